// Package ilist provides an intrusive doubly linked list. Elements embed an
// Entry and are linked without any extra allocation.
package ilist

// Linker is implemented by anything embedding an Entry.
type Linker interface {
	Next() Element
	Prev() Element
	SetNext(Element)
	SetPrev(Element)
}

type Element interface {
	Linker
}

// Entry is the link storage embedded into list elements.
type Entry struct {
	next Element
	prev Element
}

func (e *Entry) Next() Element { return e.next }
func (e *Entry) Prev() Element { return e.prev }

func (e *Entry) SetNext(elem Element) { e.next = elem }
func (e *Entry) SetPrev(elem Element) { e.prev = elem }

// List is the head of an intrusive list. The zero value is an empty list.
type List struct {
	head Element
	tail Element
}

func (l *List) Reset() {
	l.head = nil
	l.tail = nil
}

func (l *List) Empty() bool {
	return l.head == nil
}

func (l *List) Front() Element {
	return l.head
}

func (l *List) Back() Element {
	return l.tail
}

func (l *List) Len() int {
	n := 0
	for e := l.head; e != nil; e = e.Next() {
		n++
	}
	return n
}

func (l *List) PushFront(e Element) {
	e.SetNext(l.head)
	e.SetPrev(nil)

	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
}

func (l *List) PushBack(e Element) {
	e.SetNext(nil)
	e.SetPrev(l.tail)

	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

// Remove unlinks e. e must be an element of l.
func (l *List) Remove(e Element) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
}
