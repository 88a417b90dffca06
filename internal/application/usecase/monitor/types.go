package monitor

// Dir is the direction of the last price move of a symbol.
type Dir int

const (
	DirSame Dir = 0
	DirUp   Dir = +1
	DirDown Dir = -1
)

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)
