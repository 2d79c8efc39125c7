package browserpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeContext struct {
	mu       sync.Mutex
	resets   int
	closed   bool
	resetErr error
}

func (f *fakeContext) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeContext) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeContext
	nextErr error
}

func (f *fakeFactory) NewContext() (Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	c := &fakeContext{}
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeFactory) Close() error { return nil }

func newTestPool(t *testing.T, factory *fakeFactory, size int, acquireTimeout time.Duration) *Pool {
	t.Helper()
	p, err := New(factory, size, acquireTimeout, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestEagerFill(t *testing.T) {
	f := &fakeFactory{}
	newTestPool(t, f, 3, time.Second)
	if len(f.created) != 3 {
		t.Fatalf("启动时应灌满 3 个上下文，got %d", len(f.created))
	}
}

func TestFillFailureAborts(t *testing.T) {
	f := &fakeFactory{nextErr: errors.New("no browser")}
	if _, err := New(f, 2, time.Second, nil); err == nil {
		t.Fatal("灌池失败应整体失败")
	}
}

func TestAcquireReleaseReuse(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, time.Second)

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("归还后应能再次取出: %v", err)
	}
	if c2 != c {
		t.Fatal("应复用同一个上下文")
	}
	if c.(*fakeContext).resets != 1 {
		t.Fatalf("归还时应清理一次，got %d", c.(*fakeContext).resets)
	}
	p.Release(c2)
}

func TestAcquireTimeoutReturnsPoolExhausted(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 50*time.Millisecond)

	c, _ := p.Acquire(context.Background())
	defer p.Release(c)

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("池耗尽应返回 ErrPoolExhausted，got %v", err)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, time.Minute)

	c, _ := p.Acquire(context.Background())
	defer p.Release(c)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应尊重调用方的 context，got %v", err)
	}
}

func TestReleaseDestroysDirtyContext(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, time.Second)

	c, _ := p.Acquire(context.Background())
	fc := c.(*fakeContext)
	fc.resetErr = errors.New("page crashed")
	p.Release(c)

	if !fc.closed {
		t.Fatal("清理失败的上下文应被销毁")
	}
	// 补位的新上下文应可取出。
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("销毁后应有补位上下文: %v", err)
	}
	if c2 == c {
		t.Fatal("不应把脏上下文还回池里")
	}
	p.Release(c2)
}

// 归还和关停并发时不能往已关闭的通道里送，上下文最终都要被关掉。
func TestReleaseDuringCloseIsSafe(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := &fakeFactory{}
		p, err := New(f, 2, time.Second, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Release(c)
		}()
		go func() {
			defer wg.Done()
			_ = p.Close()
		}()
		wg.Wait()

		if !c.(*fakeContext).closed {
			t.Fatal("关停后归还的上下文应已被关闭")
		}
	}
}

func TestExecuteReleasesOnError(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, time.Second)

	wantErr := errors.New("boom")
	if err := p.Execute(context.Background(), func(Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Execute 应透传错误，got %v", err)
	}
	// 出错也必须归还，否则池会漏干。
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Execute 出错后上下文应已归还: %v", err)
	}
	p.Release(c)
}
