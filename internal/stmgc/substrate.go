package stmgc

import "github.com/Pam-La/stmgc/internal/object"

// Substrate is the STM layer beneath the collector. It keeps the per-thread
// copy dictionaries, answers type-directed size and trace queries, performs
// the raw reads and block copies, and serializes commits. Conflict detection
// and abort policy live entirely behind it.
//
// Two commits whose roots overlap must never run at once; Serialize is where
// the substrate guarantees that. The collector does not detect a violation.
type Substrate interface {
	Attach(tid object.ThreadID) error
	Detach(tid object.ThreadID) error
	Serialize(tid object.ThreadID, fn func() error) error

	DictLookup(tid object.ThreadID, global object.Addr) (object.Addr, bool, error)
	DictInsert(tid object.ThreadID, global, local object.Addr) error
	DictStart(tid object.ThreadID) (object.DictIterator, error)
	DictClear(tid object.ThreadID) error
	DictLen(tid object.ThreadID) (int, error)

	// RawReadWord returns the last committed value of a global field.
	RawReadWord(mem object.Memory, tid object.ThreadID, addr object.Addr, offset uint64) (uint64, error)
	// RawBlockCopy duplicates size bytes from src to dst.
	RawBlockCopy(mem object.Memory, src, dst object.Addr, size uint64) error
	// TraceOutgoingPointers calls fn once per non-NULL pointer slot of addr.
	TraceOutgoingPointers(mem object.Memory, addr object.Addr, fn func(slot object.Addr) error) error
	// ObjectSize is the payload size of the object at addr.
	ObjectSize(mem object.Memory, addr object.Addr) (uint64, error)
	// CommitRoot publishes the committed payload of local, size bytes, as the
	// new contents of global. It is called inside Serialize, after every
	// pointer slot of local has been rewritten, when the heap is configured
	// with DeferRootWriteBack.
	CommitRoot(mem object.Memory, global, local object.Addr, size uint64) error
}
