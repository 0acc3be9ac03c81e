package capnweb

import (
	"context"
	"testing"
	"time"
)

func TestImportEntryResolveOnce(t *testing.T) {
	e := newPendingEntry()
	e.Resolve(String("first"))
	e.Resolve(String("second"))

	v, err, ok := e.Peek()
	if !ok {
		t.Fatalf("entry still pending after Resolve")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Str != "first" {
		t.Fatalf("value = %q, want %q (second Resolve must be a no-op)", v.Str, "first")
	}
}

func TestImportEntryRejectOnce(t *testing.T) {
	e := newPendingEntry()
	wantErr := NewError(ErrInternal, "boom")
	e.Reject(wantErr)
	e.Reject(NewError(ErrInternal, "other"))

	_, err, ok := e.Peek()
	if !ok {
		t.Fatalf("entry still pending after Reject")
	}
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestImportEntryWaitBlocksUntilSettled(t *testing.T) {
	e := newPendingEntry()
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		v, err := e.Wait(ctx)
		if err != nil {
			t.Errorf("Wait returned error: %v", err)
		}
		if v.Number != 42 {
			t.Errorf("Wait value = %v, want 42", v.Number)
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	e.Resolve(Number(42))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after Resolve")
	}
}

func TestImportEntryWaitRespectsContext(t *testing.T) {
	e := newPendingEntry()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := e.Wait(ctx)
	if err == nil {
		t.Fatalf("Wait on pending entry with expired context returned nil error")
	}
}

func TestRefTableInsertAndDuplicate(t *testing.T) {
	table := newRefTable(nil)
	if err := table.Insert(1, newResolvedEntry(Null())); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := table.Insert(1, newResolvedEntry(Null())); err != ErrDuplicateID {
		t.Fatalf("second Insert err = %v, want ErrDuplicateID", err)
	}
}

func TestRefTableAddRefAndRelease(t *testing.T) {
	var disposed []int64
	table := newRefTable(func(id int64) { disposed = append(disposed, id) })
	_ = table.Insert(5, newResolvedEntry(Null()))

	n, err := table.AddRef(5)
	if err != nil || n != 2 {
		t.Fatalf("AddRef = %d, %v, want 2, nil", n, err)
	}

	n, err = table.ReleaseRef(5)
	if err != nil || n != 1 {
		t.Fatalf("ReleaseRef #1 = %d, %v, want 1, nil", n, err)
	}
	if len(disposed) != 0 {
		t.Fatalf("onDispose fired before refcount reached zero")
	}

	n, err = table.ReleaseRef(5)
	if err != nil || n != 0 {
		t.Fatalf("ReleaseRef #2 = %d, %v, want 0, nil", n, err)
	}
	if len(disposed) != 1 || disposed[0] != 5 {
		t.Fatalf("disposed = %v, want [5]", disposed)
	}
	if _, ok := table.Get(5); ok {
		t.Fatalf("entry 5 still present after disposal")
	}
}

func TestRefTableReleaseUnknownID(t *testing.T) {
	table := newRefTable(nil)
	if _, err := table.ReleaseRef(99); err != ErrUnknownID {
		t.Fatalf("err = %v, want ErrUnknownID", err)
	}
}

func TestRefTableReleaseUnderflow(t *testing.T) {
	table := newRefTable(nil)
	_ = table.Insert(1, newResolvedEntry(Null()))
	if _, err := table.ReleaseRef(1); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := table.ReleaseRef(1); err != ErrUnknownID {
		t.Fatalf("second release err = %v, want ErrUnknownID (entry already gone)", err)
	}
}

func TestRefTableBatchRelease(t *testing.T) {
	var disposed []int64
	table := newRefTable(func(id int64) { disposed = append(disposed, id) })
	_ = table.Insert(1, newResolvedEntry(Null()))
	_ = table.Insert(2, newResolvedEntry(Null()))
	_ = table.Insert(3, newResolvedEntry(Null()))

	if err := table.BatchRelease([]int64{1, 2, 3}); err != nil {
		t.Fatalf("BatchRelease: %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("Len = %d, want 0", table.Len())
	}
	if len(disposed) != 3 {
		t.Fatalf("disposed = %v, want 3 entries", disposed)
	}
}

func TestImportExportTablesAreIndependent(t *testing.T) {
	imports := NewImportTable(nil)
	exports := NewExportTable(nil)

	_ = imports.Insert(1, newResolvedEntry(String("import-side")))
	_ = exports.Insert(-1, newResolvedEntry(String("export-side")))

	if _, ok := imports.Get(-1); ok {
		t.Fatalf("import table unexpectedly has export-table entry")
	}
	if _, ok := exports.Get(1); ok {
		t.Fatalf("export table unexpectedly has import-table entry")
	}
}
