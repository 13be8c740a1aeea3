package interp

// bufferedSnapshot 插值缓冲中的一个快照
type bufferedSnapshot struct {
	pos   Vec3
	vel   Vec3 // 每秒
	yaw   float64
	pitch float64
	t     float64 // 本地时钟毫秒
}

// Pool 快照空闲链表，供渲染协程上的多个插值器共享，不是并发安全的
type Pool struct {
	free []*bufferedSnapshot
}

// NewPool 预分配 n 个快照
func NewPool(n int) *Pool {
	p := &Pool{free: make([]*bufferedSnapshot, 0, n)}
	for i := 0; i < n; i++ {
		p.free = append(p.free, &bufferedSnapshot{})
	}
	return p
}

func (p *Pool) get() *bufferedSnapshot {
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		return s
	}
	return &bufferedSnapshot{}
}

func (p *Pool) put(s *bufferedSnapshot) {
	*s = bufferedSnapshot{}
	p.free = append(p.free, s)
}

// Free 空闲快照数
func (p *Pool) Free() int {
	return len(p.free)
}
