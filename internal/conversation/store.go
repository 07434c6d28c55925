package conversation

// Store 会话实体图的唯一所有者。
//
// 非并发安全: 由 engine 在持有状态锁时调用。Threads() / List() 返回的
// 容器是新分配的, 但实体指针共享, 调用方只读。
type Store struct {
	threads         map[string]*Thread
	order           []string // 插入顺序, 持久化与列表输出使用
	currentThreadID string
}

// NewStore 创建空 Store。
func NewStore() *Store {
	return &Store{threads: make(map[string]*Thread)}
}

// EnsureThread 返回 id 对应的 Thread, 不存在则创建。created 报告是否新建。
func (s *Store) EnsureThread(id string) (t *Thread, created bool) {
	if t, ok := s.threads[id]; ok {
		return t, false
	}
	t = &Thread{ID: id, Runs: []*Run{}}
	s.threads[id] = t
	s.order = append(s.order, id)
	return t, true
}

// Thread 按 id 查找。
func (s *Store) Thread(id string) (*Thread, bool) {
	t, ok := s.threads[id]
	return t, ok
}

// DeleteThread 删除 thread; 若为当前 thread 则清空当前 id。返回是否存在。
func (s *Store) DeleteThread(id string) bool {
	if _, ok := s.threads[id]; !ok {
		return false
	}
	delete(s.threads, id)
	for i, tid := range s.order {
		if tid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	if s.currentThreadID == id {
		s.currentThreadID = ""
	}
	return true
}

// Replace 整体替换内容 (hydrate)。同 id 重复出现时后者覆盖前者, 保留首次出现的位置。
func (s *Store) Replace(threads []*Thread, currentThreadID string) {
	s.threads = make(map[string]*Thread, len(threads))
	s.order = make([]string, 0, len(threads))
	for _, t := range threads {
		if t == nil {
			continue
		}
		if _, dup := s.threads[t.ID]; !dup {
			s.order = append(s.order, t.ID)
		}
		s.threads[t.ID] = t
	}
	s.currentThreadID = currentThreadID
}

// Threads 返回顶层映射的浅拷贝。
func (s *Store) Threads() map[string]*Thread {
	out := make(map[string]*Thread, len(s.threads))
	for id, t := range s.threads {
		out[id] = t
	}
	return out
}

// List 按插入顺序返回 thread 列表 (新切片, 共享实体)。
func (s *Store) List() []*Thread {
	out := make([]*Thread, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.threads[id])
	}
	return out
}

// Len 返回 thread 数量。
func (s *Store) Len() int { return len(s.threads) }

// CurrentThreadID 当前 thread id, 空串表示无。
func (s *Store) CurrentThreadID() string { return s.currentThreadID }

// SetCurrentThreadID 设置当前 thread id (不校验存在性)。
func (s *Store) SetCurrentThreadID(id string) { s.currentThreadID = id }
