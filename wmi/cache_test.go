package wmi

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-wmi/mi"
)

func TestClass_CloneIsolation(t *testing.T) {
	f := newFixture(t)
	obs := newRecordingObserver()
	conn := f.connect(t, WithObserver(obs))
	ctx := context.Background()

	first, err := conn.Class(ctx, "Win32_Process")
	require.NoError(t, err)
	second, err := conn.Class(ctx, "Win32_Process")
	require.NoError(t, err)

	assert.NotSame(t, first.Native(), second.Native())
	assert.Equal(t, first.Native(), second.Native())

	require.NoError(t, first.Native().AddProperty(mi.Element{Name: "Injected", Type: mi.TypeString}))
	_, err = second.Native().Property("Injected")
	assert.ErrorIs(t, err, mi.ErrNoSuchProperty)

	third, err := conn.Class(ctx, "Win32_Process")
	require.NoError(t, err)
	_, err = third.Native().Property("Injected")
	assert.ErrorIs(t, err, mi.ErrNoSuchProperty, "cached master was mutated")

	assert.Equal(t, 1, classCalls(f.repo, "Win32_Process"))
	assert.Equal(t, 2, obs.hits["class"])
}

func TestClass_CacheDisabled(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, WithClassCache(false))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := conn.Class(ctx, "Win32_Process")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, classCalls(f.repo, "Win32_Process"))
}

func TestClass_NotFound(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ctx := context.Background()

	cls, err := conn.classDescriptor(ctx, "NoSuchClass")
	require.NoError(t, err, "an unknown class is not an error while populating the cache")
	assert.Nil(t, cls)

	_, err = conn.Class(ctx, "NoSuchClass")
	assert.True(t, IsNotFound(err))

	// Absent classes are not cached.
	assert.Equal(t, 2, classCalls(f.repo, "NoSuchClass"))
}

func TestClass_CacheFailure(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.winrm.Fail("GetClass", mi.NewError(mi.ResultAccessDenied, "denied"))

	_, err := conn.Class(context.Background(), "Win32_Process")
	require.Error(t, err)
	assert.ErrorIs(t, err, mi.ErrAccessDenied)

	f.winrm.Fail("GetClass", nil)
	_, err = conn.Class(context.Background(), "Win32_Process")
	assert.NoError(t, err, "failures are not cached")
}

func TestCache_SingleResolution(t *testing.T) {
	c := newCache("class", 8, true, (*mi.Class).Clone, nopObserver{})

	var resolved atomic.Int32
	release := make(chan struct{})
	resolve := func(context.Context) (*mi.Class, bool, error) {
		resolved.Add(1)
		<-release
		return mi.NewClass("Win32_Service"), true, nil
	}

	var wg sync.WaitGroup
	results := make([]*mi.Class, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cls, ok, err := c.get(context.Background(), "win32_service", resolve)
			if err == nil && ok {
				results[i] = cls
			}
		}(i)
	}
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, int(resolved.Load()), len(results))
	for i, cls := range results {
		require.NotNil(t, cls, "caller %d", i)
		for j := i + 1; j < len(results); j++ {
			assert.NotSame(t, cls, results[j])
		}
	}
	assert.Equal(t, 1, c.len())
}

func TestCache_Bounded(t *testing.T) {
	c := newCache("method", 2, true, (*mi.Instance).Clone, nopObserver{})
	for _, key := range []string{"a", "b", "c"} {
		_, _, err := c.get(context.Background(), key, func(context.Context) (*mi.Instance, bool, error) {
			return mi.NewInstance(key), true, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.len())

	boom := errors.New("boom")
	_, _, err := c.get(context.Background(), "d", func(context.Context) (*mi.Instance, bool, error) {
		return nil, false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestMethodTemplate_CachedOnce(t *testing.T) {
	f := newFixture(t)
	obs := newRecordingObserver()
	conn := f.connect(t, WithObserver(obs))
	ctx := context.Background()
	inst := getProcess(t, conn, "4")

	for i := 0; i < 3; i++ {
		_, err := inst.Method(ctx, "Terminate")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, obs.misses["method"])
	assert.Equal(t, 2, obs.hits["method"])
}
