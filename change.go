package bonsai

// Change is a pending in-memory mutation of one counter entry, applied on top
// of the persisted value by GetRealBagSize.
type Change interface {
	ApplyTo(value int32) int32
}

// DiffChange adjusts the persisted count by a delta.
type DiffChange struct {
	Delta int32
}

func (c DiffChange) ApplyTo(value int32) int32 { return value + c.Delta }

// AbsoluteChange replaces the persisted count outright.
type AbsoluteChange struct {
	Value int32
}

func (c AbsoluteChange) ApplyTo(int32) int32 { return c.Value }
