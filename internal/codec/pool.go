package codec

import "sync"

var parserPool = sync.Pool{
	New: func() any { return newParser() },
}

// Get returns a Parser from the pool, ready for a fresh stream.
func Get() *Parser {
	return parserPool.Get().(*Parser)
}

// Release returns p to the pool after resetting its state. Callers must not
// use p again after calling Release.
func Release(p *Parser) {
	p.reset()
	parserPool.Put(p)
}
