package filter

// Collector gathers remotes in order of first appearance.
type Collector struct {
	seen    map[*Remote]bool
	remotes []*Remote
}

// Remotes returns the collected remotes.
func (c *Collector) Remotes() []*Remote {
	return c.remotes
}

// Add records r if it has not been seen.
func (c *Collector) Add(r *Remote) {
	if r == nil {
		return
	}
	if c.seen == nil {
		c.seen = make(map[*Remote]bool)
	}
	if c.seen[r] {
		return
	}
	c.seen[r] = true
	c.remotes = append(c.remotes, r)
}

// Expr records every remote referenced by e, depth-first, left to right.
func (c *Collector) Expr(e Expr) {
	switch x := e.(type) {
	case *Remote:
		c.Add(x)
	case *Field:
		c.Add(x.Remote)
	case *Arith:
		c.Expr(x.Left)
		c.Expr(x.Right)
	}
}

// Filter records every remote referenced by f, depth-first, left to right.
func (c *Collector) Filter(f Filter) {
	switch x := f.(type) {
	case *Compare:
		c.Expr(x.Left)
		c.Expr(x.Right)
	case *Null:
		c.Expr(x.Expr)
	case *InSet:
		c.Expr(x.Expr)
		for _, v := range x.Values {
			c.Expr(v)
		}
	case *Membership:
		c.Expr(x.Collection)
		c.Expr(x.Item)
	case *ClassTest:
		c.Add(x.Remote)
	case *Logical:
		for _, t := range x.Terms {
			c.Filter(t)
		}
	case *Negation:
		c.Filter(x.Term)
	}
}

// Remotes returns the remotes referenced by f in order of first appearance.
func Remotes(f Filter) []*Remote {
	var c Collector
	c.Filter(f)
	return c.Remotes()
}
