//go:build linux && cgo

package memtrace

/*
#define _GNU_SOURCE
#include <stdlib.h>
#include <dlfcn.h>
#include <pthread.h>
#include <sys/mman.h>
#include <unistd.h>
#include <stdint.h>
#include <string.h>

typedef void *(*malloc_fn)(size_t);
typedef void *(*calloc_fn)(size_t, size_t);
typedef void *(*realloc_fn)(void *, size_t);
typedef void (*free_fn)(void *);
typedef void *(*aligned_alloc_fn)(size_t, size_t);
typedef int (*posix_memalign_fn)(void **, size_t, size_t);
typedef void *(*mmap_fn)(void *, size_t, int, int, int, off_t);
typedef int (*munmap_fn)(void *, size_t);
typedef int (*pthread_create_fn)(pthread_t *, const pthread_attr_t *, void *(*)(void *), void *);
typedef pid_t (*fork_fn)(void);

static malloc_fn real_malloc;
static calloc_fn real_calloc;
static realloc_fn real_realloc;
static free_fn real_free;
static aligned_alloc_fn real_aligned_alloc;
static posix_memalign_fn real_posix_memalign;
static mmap_fn real_mmap;
static munmap_fn real_munmap;
static pthread_create_fn real_pthread_create;
static fork_fn real_fork;

static int memtrace_bootstrap_done = 0;

static void memtrace_resolve(void) {
	if (memtrace_bootstrap_done) {
		return;
	}
	real_malloc = (malloc_fn)dlsym(RTLD_NEXT, "malloc");
	real_calloc = (calloc_fn)dlsym(RTLD_NEXT, "calloc");
	real_realloc = (realloc_fn)dlsym(RTLD_NEXT, "realloc");
	real_free = (free_fn)dlsym(RTLD_NEXT, "free");
	real_aligned_alloc = (aligned_alloc_fn)dlsym(RTLD_NEXT, "aligned_alloc");
	real_posix_memalign = (posix_memalign_fn)dlsym(RTLD_NEXT, "posix_memalign");
	real_mmap = (mmap_fn)dlsym(RTLD_NEXT, "mmap");
	real_munmap = (munmap_fn)dlsym(RTLD_NEXT, "munmap");
	real_pthread_create = (pthread_create_fn)dlsym(RTLD_NEXT, "pthread_create");
	real_fork = (fork_fn)dlsym(RTLD_NEXT, "fork");
	memtrace_bootstrap_done = 1;
}

// memtrace_bootstrap_alloc serves allocation wrappers entered before
// dlsym has resolved the real allocator (possible during dynamic-linker
// construction): a direct anonymous map, never bookkept.
static void *memtrace_bootstrap_alloc(size_t size) {
	void *p = mmap(NULL, size, PROT_READ | PROT_WRITE, MAP_PRIVATE | MAP_ANONYMOUS, -1, 0);
	if (p == MAP_FAILED) {
		return NULL;
	}
	return p;
}

void *malloc(size_t size) {
	memtrace_resolve();
	if (!real_malloc) {
		return memtrace_bootstrap_alloc(size);
	}
	void *p = real_malloc(size);
	memtraceOnMalloc((uintptr_t)p, (uint64_t)size);
	return p;
}

void *calloc(size_t count, size_t size) {
	memtrace_resolve();
	if (!real_calloc) {
		void *p = memtrace_bootstrap_alloc(count * size);
		return p;
	}
	void *p = real_calloc(count, size);
	memtraceOnMalloc((uintptr_t)p, (uint64_t)(count * size));
	return p;
}

void *realloc(void *ptr, size_t size) {
	memtrace_resolve();
	memtraceOnFree((uintptr_t)ptr);
	if (!real_realloc) {
		void *p = memtrace_bootstrap_alloc(size);
		if (p && ptr) {
			memcpy(p, ptr, size);
		}
		return p;
	}
	void *p = real_realloc(ptr, size);
	memtraceOnMalloc((uintptr_t)p, (uint64_t)size);
	return p;
}

void free(void *ptr) {
	memtrace_resolve();
	memtraceOnFree((uintptr_t)ptr);
	if (real_free) {
		real_free(ptr);
	}
}

void *aligned_alloc(size_t alignment, size_t size) {
	memtrace_resolve();
	if (!real_aligned_alloc) {
		return memtrace_bootstrap_alloc(size);
	}
	void *p = real_aligned_alloc(alignment, size);
	memtraceOnMalloc((uintptr_t)p, (uint64_t)size);
	return p;
}

int posix_memalign(void **memptr, size_t alignment, size_t size) {
	memtrace_resolve();
	if (!real_posix_memalign) {
		*memptr = memtrace_bootstrap_alloc(size);
		return *memptr ? 0 : 12 /* ENOMEM */;
	}
	int rc = real_posix_memalign(memptr, alignment, size);
	if (rc == 0) {
		memtraceOnMalloc((uintptr_t)*memptr, (uint64_t)size);
	}
	return rc;
}

void *mmap(void *addr, size_t length, int prot, int flags, int fd, off_t offset) {
	memtrace_resolve();
	void *p = real_mmap ? real_mmap(addr, length, prot, flags, fd, offset) : MAP_FAILED;
	if (p != MAP_FAILED && (flags & MAP_ANONYMOUS)) {
		memtraceOnMmap((uintptr_t)p, (uint64_t)length);
	}
	return p;
}

int munmap(void *addr, size_t length) {
	memtrace_resolve();
	memtraceOnMunmap((uintptr_t)addr);
	if (real_munmap) {
		return real_munmap(addr, length);
	}
	return -1;
}

struct memtrace_thread_arg {
	uint64_t callstack_handle;
	void *(*user_start)(void *);
	void *user_arg;
};

static void memtrace_pthread_cleanup(void *arg) {
	memtraceOnThreadExit();
}

static void *memtrace_trampoline(void *raw) {
	struct memtrace_thread_arg *arg = (struct memtrace_thread_arg *)raw;
	memtraceOnThreadStart(arg->callstack_handle);
	pthread_cleanup_push(memtrace_pthread_cleanup, NULL);
	void *result = arg->user_start(arg->user_arg);
	pthread_cleanup_pop(1);
	free(arg);
	return result;
}

int pthread_create(pthread_t *thread, const pthread_attr_t *attr, void *(*start_routine)(void *), void *arg) {
	memtrace_resolve();
	struct memtrace_thread_arg *bundle = malloc(sizeof(struct memtrace_thread_arg));
	bundle->callstack_handle = memtraceBeforeThreadStart();
	bundle->user_start = start_routine;
	bundle->user_arg = arg;
	if (!real_pthread_create) {
		free(bundle);
		return -1;
	}
	return real_pthread_create(thread, attr, memtrace_trampoline, bundle);
}

pid_t fork(void) {
	memtrace_resolve();
	pid_t pid = real_fork ? real_fork() : -1;
	if (pid == 0) {
		memtraceOnFork();
	}
	return pid;
}
*/
import "C"

import (
	"os"
)

// init runs once, at shared-library construction, and clears the preload
// variable immediately after this package has loaded because of it:
// a process this library is preloaded into must not pass interception on
// to anything it spawns.
func init() {
	os.Unsetenv(preloadEnvVar)
}

// These cgo-exported functions are the Go side of the C wrapper
// definitions above: the C code calls straight back into the engine with
// no intermediate translation layer, so wrapper bookkeeping happens
// inline with the real allocator call rather than via a deferred queue.

//export memtraceOnMalloc
func memtraceOnMalloc(addr C.uintptr_t, size C.uint64_t) {
	recordNativeAlloc(uintptr(addr), uint64(size), AllocationKindHeap)
}

//export memtraceOnMmap
func memtraceOnMmap(addr C.uintptr_t, size C.uint64_t) {
	recordNativeAlloc(uintptr(addr), uint64(size), AllocationKindAnonMap)
}

//export memtraceOnFree
func memtraceOnFree(addr C.uintptr_t) {
	removeNativeAlloc(uintptr(addr))
}

//export memtraceOnMunmap
func memtraceOnMunmap(addr C.uintptr_t) {
	removeNativeAlloc(uintptr(addr))
}

//export memtraceOnThreadExit
func memtraceOnThreadExit() {
	e := CurrentEngine()
	if e == nil {
		return
	}
	e.Lifecycle().OnThreadExit()
}

//export memtraceOnThreadStart
func memtraceOnThreadStart(handle C.uint64_t) {
	e := CurrentEngine()
	if e == nil {
		return
	}
	e.Lifecycle().OnThreadStart(CallStackID(handle))
}

//export memtraceBeforeThreadStart
func memtraceBeforeThreadStart() C.uint64_t {
	e := CurrentEngine()
	if e == nil {
		return 0
	}
	return C.uint64_t(e.Lifecycle().BeforeThreadStart())
}

//export memtraceOnFork
func memtraceOnFork() {
	e := CurrentEngine()
	if e == nil {
		return
	}
	e.Lifecycle().OnFork()
}

// recordNativeAlloc is the hot path every allocator wrapper funnels
// through: ShouldTrack must be read before entering the guard, since
// entering it makes the current thread look reentrant to itself, then a
// Ledger insert attributed to the calling native thread's current call
// stack.
func recordNativeAlloc(addr uintptr, size uint64, kind AllocationKind) {
	e := CurrentEngine()
	if e == nil || !e.ShouldTrack() || addr == 0 || size == 0 {
		return
	}

	enterGuard()
	defer leaveGuard()

	thread := currentThreadID()
	e.Ledger().Add(AllocationRecord{
		Address:   addr,
		Size:      size,
		Kind:      kind,
		CallStack: e.CallStacks().current(thread),
	})
}

// removeNativeAlloc is the hot path free()/munmap() wrappers funnel
// through. Bookkeeping removal happens before the real primitive is
// invoked at the C call site above, not here; this function only needs to
// reach the ledger. ShouldTrack is read before entering the guard, for
// the same reason as recordNativeAlloc.
func removeNativeAlloc(addr uintptr) {
	e := CurrentEngine()
	if e == nil || !e.ShouldTrack() || addr == 0 {
		return
	}

	enterGuard()
	defer leaveGuard()

	e.Ledger().Remove(addr)
}
