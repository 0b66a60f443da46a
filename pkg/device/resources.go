package device

import (
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// Resources bundles what a reconstruction method binds at setup: where to
// log, the command queue all numerical work funnels through, and host limits.
// One Resources value may be shared by a composite method and its delegates.
type Resources struct {
	Log        io.Writer
	Queue      *Queue
	MaxThreads int // goroutines a single kernel may fan out to
	MemoryMB   int // physical memory, memory.TotalMemory()/1024/1024
	BudgetMB   int // MemoryMB*7/10, upper bound for buffers of one run
}

// DefaultQueueDepth is the number of jobs that may be pending on a queue.
const DefaultQueueDepth = 64

// NewResources creates resources with a fresh queue. A nil log discards output.
// maxThreads <= 0 selects runtime.GOMAXPROCS(0).
func NewResources(log io.Writer, maxThreads, queueDepth int) *Resources {
	if log == nil {
		log = io.Discard
	}
	if maxThreads <= 0 {
		maxThreads = runtime.GOMAXPROCS(0)
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	return &Resources{
		Log:        log,
		Queue:      NewQueue(queueDepth),
		MaxThreads: maxThreads,
		MemoryMB:   memoryMB,
		BudgetMB:   memoryMB * 7 / 10,
	}
}

// Describe writes a one-line summary of the host.
func (r *Resources) Describe() {
	fmt.Fprintf(r.Log, "Host: %s, %d physical / %d logical cores, AVX2=%v, %d MB memory, %d threads, budget %d MB\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2(),
		r.MemoryMB, r.MaxThreads, r.BudgetMB)
}

// CheckBudget fails when buffers totalling the given number of float64
// samples would exceed the memory budget. A zero budget (unknown memory)
// disables the check.
func (r *Resources) CheckBudget(samples int) error {
	if r.BudgetMB <= 0 {
		return nil
	}
	needMB := samples * 8 / 1024 / 1024
	if needMB > r.BudgetMB {
		return fmt.Errorf("buffers need %d MB, exceeding the budget of %d MB", needMB, r.BudgetMB)
	}
	return nil
}

// Close stops the queue.
func (r *Resources) Close() {
	if r.Queue != nil {
		r.Queue.Close()
	}
}

// ParallelFor runs fn(i) for i in [0,n) on up to threads goroutines and
// waits for all of them. Iterations must touch disjoint data.
func ParallelFor(n, threads int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if threads <= 1 || n == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if threads > n {
		threads = n
	}
	limiter := make(chan bool, threads)
	for i := 0; i < n; i++ {
		limiter <- true
		go func(i int) {
			defer func() { <-limiter }()
			fn(i)
		}(i)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
}
