package feature

import "sort"

type slot struct {
	seq uint64
	rec Record
}

// Store：当前处于活跃状态（如 Offline）且坐标合法的点位集合
// 背景：以规范化坐标为键的映射，事件匹配不再线性扫描；同键允许多条（插入不去重）
// 约束：不做并发保护，仅由单个同步控制器的事件循环串行修改；渲染侧只拿 Snapshot 副本
type Store struct {
	next  uint64
	size  int
	byKey map[Key][]slot
}

func NewStore() *Store {
	return &Store{byKey: make(map[Key][]slot)}
}

// ReplaceAll：整体丢弃并装入新集合；记录已由快照加载器校验
func (s *Store) ReplaceAll(recs []Record) {
	s.byKey = make(map[Key][]slot, len(recs))
	s.size = 0
	for _, r := range recs {
		s.Insert(r)
	}
}

// Insert：追加一条记录，保留插入顺序
func (s *Store) Insert(r Record) {
	s.next++
	k := KeyOf(r.Coordinates)
	s.byKey[k] = append(s.byKey[k], slot{seq: s.next, rec: r})
	s.size++
}

// Lookup：返回该坐标上最早插入的一条
func (s *Store) Lookup(c Coordinates) (Record, bool) {
	if c.Validate() != nil {
		return Record{}, false
	}
	sl := s.byKey[KeyOf(c)]
	if len(sl) == 0 {
		return Record{}, false
	}
	return sl[0].rec, true
}

// FindIndex：在 Snapshot 顺序中的位置，未找到返回 -1
func (s *Store) FindIndex(c Coordinates) int {
	if c.Validate() != nil {
		return -1
	}
	sl := s.byKey[KeyOf(c)]
	if len(sl) == 0 {
		return -1
	}
	target := sl[0].seq
	idx := 0
	for _, other := range s.byKey {
		for _, o := range other {
			if o.seq < target {
				idx++
			}
		}
	}
	return idx
}

// ReplaceFirst：替换该坐标上最早插入的一条并保持其顺序位置
// 新记录坐标若落到其他键上，则迁移到新键
func (s *Store) ReplaceFirst(c Coordinates, r Record) bool {
	if c.Validate() != nil {
		return false
	}
	k := KeyOf(c)
	sl := s.byKey[k]
	if len(sl) == 0 {
		return false
	}
	nk := KeyOf(r.Coordinates)
	if nk == k {
		sl[0].rec = r
		return true
	}
	moved := slot{seq: sl[0].seq, rec: r}
	s.dropFirst(k)
	dst := append(s.byKey[nk], moved)
	sort.Slice(dst, func(i, j int) bool { return dst[i].seq < dst[j].seq })
	s.byKey[nk] = dst
	return true
}

// ReplaceAt：按 Snapshot 顺序位置替换，越界返回 false
func (s *Store) ReplaceAt(i int, r Record) bool {
	snap := s.ordered()
	if i < 0 || i >= len(snap) {
		return false
	}
	return s.replaceSeq(snap[i], r)
}

func (s *Store) replaceSeq(target slot, r Record) bool {
	k := KeyOf(target.rec.Coordinates)
	for i, o := range s.byKey[k] {
		if o.seq == target.seq {
			if KeyOf(r.Coordinates) == k {
				s.byKey[k][i].rec = r
				return true
			}
			s.byKey[k] = append(s.byKey[k][:i:i], s.byKey[k][i+1:]...)
			if len(s.byKey[k]) == 0 {
				delete(s.byKey, k)
			}
			nk := KeyOf(r.Coordinates)
			dst := append(s.byKey[nk], slot{seq: target.seq, rec: r})
			sort.Slice(dst, func(a, b int) bool { return dst[a].seq < dst[b].seq })
			s.byKey[nk] = dst
			return true
		}
	}
	return false
}

func (s *Store) dropFirst(k Key) {
	sl := s.byKey[k]
	if len(sl) <= 1 {
		delete(s.byKey, k)
		return
	}
	s.byKey[k] = append(sl[:0:0], sl[1:]...)
}

// RemoveByCoordinates：移除该坐标上的全部记录（含陈旧重复），返回移除条数
func (s *Store) RemoveByCoordinates(c Coordinates) int {
	if c.Validate() != nil {
		return 0
	}
	k := KeyOf(c)
	n := len(s.byKey[k])
	if n == 0 {
		return 0
	}
	delete(s.byKey, k)
	s.size -= n
	return n
}

func (s *Store) Len() int { return s.size }

// Snapshot：按插入顺序返回只读副本
func (s *Store) Snapshot() []Record {
	ordered := s.ordered()
	out := make([]Record, len(ordered))
	for i, o := range ordered {
		out[i] = o.rec
	}
	return out
}

func (s *Store) ordered() []slot {
	out := make([]slot, 0, s.size)
	for _, sl := range s.byKey {
		out = append(out, sl...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
