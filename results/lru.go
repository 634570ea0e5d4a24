package results

// lruCache is a bounded map with least-recently-used eviction, backed by a
// doubly linked list. Not safe for concurrent use; the store serializes
// access.
type lruCache struct {
	capacity int
	items    map[string]*lruNode
	head     *lruNode // most recently used
	tail     *lruNode // least recently used
}

type lruNode struct {
	key    string
	record *Record
	prev   *lruNode
	next   *lruNode
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*lruNode, capacity),
	}
}

func (c *lruCache) get(key string) (*Record, bool) {
	node, found := c.items[key]
	if !found {
		return nil, false
	}
	c.moveToFront(node)
	return node.record, true
}

func (c *lruCache) put(key string, record *Record) {
	if node, found := c.items[key]; found {
		node.record = record
		c.moveToFront(node)
		return
	}

	node := &lruNode{key: key, record: record}
	c.items[key] = node
	c.pushFront(node)

	if len(c.items) > c.capacity {
		evicted := c.tail
		c.unlink(evicted)
		delete(c.items, evicted.key)
	}
}

func (c *lruCache) remove(key string) {
	node, found := c.items[key]
	if !found {
		return
	}
	c.unlink(node)
	delete(c.items, key)
}

func (c *lruCache) len() int {
	return len(c.items)
}

func (c *lruCache) pushFront(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *lruCache) unlink(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev = nil
	node.next = nil
}

func (c *lruCache) moveToFront(node *lruNode) {
	if c.head == node {
		return
	}
	c.unlink(node)
	c.pushFront(node)
}
