package sched

import "github.com/iyotee/Orion-sub005/internal/process"

// rbColor is a red-black tree node color.
type rbColor bool

const (
	red   rbColor = true
	black rbColor = false
)

// rbNode is one entry in a per-CPU runqueue's vruntime-ordered tree.
// Keys are (VRuntime, TID) pairs so ties break deterministically on
// thread identity, matching spec §4.6's "leftmost entry is always the
// next to run" contract.
type rbNode struct {
	thread              *process.Thread
	color               rbColor
	left, right, parent *rbNode
}

func (n *rbNode) key() (int64, uint64) {
	return n.thread.VRuntime, n.thread.TID
}

func less(a, b *rbNode) bool {
	av, at := a.key()
	bv, bt := b.key()
	if av != bv {
		return av < bv
	}
	return at < bt
}

// rbTree is a standard red-black tree, minimal on purpose: it
// only needs insert, delete, leftmost and rightmost for the scheduler's
// pick-next and load-balancing-steal operations (spec §4.6).
type rbTree struct {
	root *rbNode
	size int
}

func (t *rbTree) Size() int { return t.size }

func (t *rbTree) Leftmost() *rbNode {
	n := t.root
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

func (t *rbTree) Rightmost() *rbNode {
	n := t.root
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

func (t *rbTree) rotateLeft(x *rbNode) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *rbTree) rotateRight(x *rbNode) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

// Insert adds th's node into the tree, returning the new rbNode so
// callers (the runqueue) can keep a direct pointer for O(log n) removal
// later.
func (t *rbTree) Insert(th *process.Thread) *rbNode {
	z := &rbNode{thread: th, color: red}

	var parent *rbNode
	cur := t.root
	for cur != nil {
		parent = cur
		if less(z, cur) {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	z.parent = parent
	if parent == nil {
		t.root = z
	} else if less(z, parent) {
		parent.left = z
	} else {
		parent.right = z
	}
	t.size++
	t.insertFixup(z)
	return z
}

func (t *rbTree) insertFixup(z *rbNode) {
	for z.parent != nil && z.parent.color == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			uncle := gp.right
			if uncle != nil && uncle.color == red {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.color = black
			gp.color = red
			t.rotateRight(gp)
		} else {
			uncle := gp.left
			if uncle != nil && uncle.color == red {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.color = black
			gp.color = red
			t.rotateLeft(gp)
		}
	}
	t.root.color = black
}

func nodeColor(n *rbNode) rbColor {
	if n == nil {
		return black
	}
	return n.color
}

// Delete removes the node z from the tree (spec §4.6 remove_from_rq).
func (t *rbTree) Delete(z *rbNode) {
	y := z
	yOriginalColor := y.color
	var x, xParent *rbNode

	if z.left == nil {
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	} else if z.right == nil {
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	} else {
		y = minNode(z.right)
		yOriginalColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	t.size--

	if yOriginalColor == black {
		t.deleteFixup(x, xParent)
	}
}

func minNode(n *rbNode) *rbNode {
	for n.left != nil {
		n = n.left
	}
	return n
}

func (t *rbTree) transplant(u, v *rbNode) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

// deleteFixup restores red-black invariants after a black node removal.
// x may be nil (a nil leaf standing in for a "double black" node), so
// xParent is threaded through explicitly since a nil x has no .parent.
func (t *rbTree) deleteFixup(x, xParent *rbNode) {
	for x != t.root && nodeColor(x) == black {
		if xParent == nil {
			break
		}
		if x == xParent.left {
			w := xParent.right
			if nodeColor(w) == red {
				w.color = black
				xParent.color = red
				t.rotateLeft(xParent)
				w = xParent.right
			}
			if w == nil {
				break
			}
			if nodeColor(w.left) == black && nodeColor(w.right) == black {
				w.color = red
				x = xParent
				xParent = x.parent
				continue
			}
			if nodeColor(w.right) == black {
				if w.left != nil {
					w.left.color = black
				}
				w.color = red
				t.rotateRight(w)
				w = xParent.right
			}
			w.color = xParent.color
			xParent.color = black
			if w.right != nil {
				w.right.color = black
			}
			t.rotateLeft(xParent)
			x = t.root
			xParent = nil
		} else {
			w := xParent.left
			if nodeColor(w) == red {
				w.color = black
				xParent.color = red
				t.rotateRight(xParent)
				w = xParent.left
			}
			if w == nil {
				break
			}
			if nodeColor(w.right) == black && nodeColor(w.left) == black {
				w.color = red
				x = xParent
				xParent = x.parent
				continue
			}
			if nodeColor(w.left) == black {
				if w.right != nil {
					w.right.color = black
				}
				w.color = red
				t.rotateLeft(w)
				w = xParent.left
			}
			w.color = xParent.color
			xParent.color = black
			if w.left != nil {
				w.left.color = black
			}
			t.rotateRight(xParent)
			x = t.root
			xParent = nil
		}
	}
	if x != nil {
		x.color = black
	}
}
