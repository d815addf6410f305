package weave

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func siteStarts(sites []CallSite) []*Instruction {
	result := make([]*Instruction, len(sites))
	for i, s := range sites {
		result[i] = s.ArgStart
	}
	return result
}

func TestCallSiteCollector(t *testing.T) {
	t.Parallel()

	collector := NewCallSiteCollector(nil, nil)

	t.Run("nested_call", func(t *testing.T) {
		// g(x, h())
		x := NewInstruction(OpLdarg0, nil)
		h := NewInstruction(OpCall, staticRef(sampleType, "H", int32Type))
		g := NewInstruction(OpCall, staticRef(sampleType, "G", nil, int32Type, int32Type))
		m := newStaticMethod("Run", nil, []*TypeRef{int32Type}, x, h, g, NewInstruction(OpRet, nil))

		sites, err := collector.Collect(m, nil)
		require.NoError(t, err)
		require.Len(t, sites, 2)
		assert.Same(t, h, sites[0].Call)
		assert.Same(t, h, sites[0].ArgStart)
		assert.Equal(t, "H", sites[0].Target.Name)
		assert.Same(t, g, sites[1].Call)
		assert.Same(t, x, sites[1].ArgStart)
	})

	t.Run("filter", func(t *testing.T) {
		x := NewInstruction(OpLdarg0, nil)
		h := NewInstruction(OpCall, staticRef(sampleType, "H", int32Type))
		g := NewInstruction(OpCall, staticRef(sampleType, "G", nil, int32Type, int32Type))
		m := newStaticMethod("Run", nil, []*TypeRef{int32Type}, x, h, g, NewInstruction(OpRet, nil))

		sites, err := collector.Collect(m, func(ref *MethodRef) bool { return ref.Name == "G" })
		require.NoError(t, err)
		require.Len(t, sites, 1)
		assert.Same(t, g, sites[0].Call)
		assert.Same(t, x, sites[0].ArgStart)
	})

	t.Run("instance_call", func(t *testing.T) {
		this := NewInstruction(OpLdarg0, nil)
		ref := staticRef(sampleType, "M", nil, int32Type)
		ref.HasThis = true
		call := NewInstruction(OpCallvirt, ref)
		m := newStaticMethod("Run", nil, []*TypeRef{objectType},
			NewInstruction(OpNop, nil), this, NewInstruction(OpLdcI41, nil), call, NewInstruction(OpRet, nil))

		sites, err := collector.Collect(m, nil)
		require.NoError(t, err)
		assert.Equal(t, []*Instruction{this}, siteStarts(sites))
	})

	t.Run("no_arguments", func(t *testing.T) {
		call := NewInstruction(OpCall, staticRef(sampleType, "Tick", nil))
		m := newStaticMethod("Run", nil, nil, NewInstruction(OpNop, nil), call, NewInstruction(OpRet, nil))

		sites, err := collector.Collect(m, nil)
		require.NoError(t, err)
		assert.Equal(t, []*Instruction{call}, siteStarts(sites))
	})

	t.Run("dup_and_constructor", func(t *testing.T) {
		ldc := NewInstruction(OpLdcI41, nil)
		newobj := NewInstruction(OpNewobj, staticRef(sampleType, ".ctor", nil, int32Type))
		use := NewInstruction(OpCall, staticRef(sampleType, "Use", nil, objectType, objectType))
		m := newStaticMethod("Run", nil, nil, ldc, newobj, NewInstruction(OpDup, nil), use, NewInstruction(OpRet, nil))

		sites, err := collector.Collect(m, nil)
		require.NoError(t, err)
		require.Len(t, sites, 2)
		assert.Same(t, newobj, sites[0].Call)
		assert.Equal(t, []*Instruction{ldc, ldc}, siteStarts(sites))
	})

	t.Run("conditional_argument", func(t *testing.T) {
		// Sink(arg ? 2 : 1)
		ldarg := NewInstruction(OpLdarg0, nil)
		one, two := NewInstruction(OpLdcI41, nil), NewInstruction(OpLdcI42, nil)
		call := NewInstruction(OpCall, staticRef(sampleType, "Sink", nil, int32Type))
		m := newStaticMethod("Run", nil, []*TypeRef{int32Type},
			NewInstruction(OpNop, nil), ldarg, NewInstruction(OpBrtrueS, two), one, NewInstruction(OpBrS, call), two,
			call, NewInstruction(OpRet, nil))

		sites, err := collector.Collect(m, nil)
		require.NoError(t, err)
		assert.Equal(t, []*Instruction{ldarg}, siteStarts(sites))
	})

	t.Run("no_body", func(t *testing.T) {
		sites, err := collector.Collect(&Method{Name: "Abstract", DeclaringType: sampleType}, nil)
		require.NoError(t, err)
		assert.Empty(t, sites)
	})

	t.Run("malformed", func(t *testing.T) {
		m := newStaticMethod("Run", nil, nil,
			NewInstruction(OpCall, staticRef(sampleType, "Sink", nil, int32Type)), NewInstruction(OpRet, nil))

		_, err := collector.Collect(m, nil)
		assert.ErrorIs(t, err, ErrMalformedInput)
	})
}

func TestCallSiteCollectorExceptionHandler(t *testing.T) {
	t.Parallel()

	tryStart := NewInstruction(OpNop, nil)
	ret := NewInstruction(OpRet, nil)
	handlerCall := NewInstruction(OpCall, staticRef(sampleType, "Log", nil, objectType))
	m := newStaticMethod("Run", nil, nil,
		tryStart,
		NewInstruction(OpLeaveS, ret),
		handlerCall,
		NewInstruction(OpLeaveS, ret),
		ret,
	)
	m.Body.Regions = []*ExceptionRegion{{
		Kind:         RegionCatch,
		TryStart:     tryStart,
		TryEnd:       handlerCall,
		HandlerStart: handlerCall,
		HandlerEnd:   ret,
		CatchType:    objectType,
	}}

	sites, err := NewCallSiteCollector(nil, nil).Collect(m, nil)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Same(t, m.Body.Regions[0].HandlerStart, sites[0].ArgStart)
}

func TestCallSiteCollectorUnsupported(t *testing.T) {
	t.Parallel()

	sink := staticRef(sampleType, "Sink", nil, int32Type)

	t.Run("outside_protected_range", func(t *testing.T) {
		ret := NewInstruction(OpRet, nil)
		call := NewInstruction(OpCall, sink)
		handler := NewInstruction(OpPop, nil)
		m := newStaticMethod("Run", nil, nil,
			NewInstruction(OpLdcI41, nil),
			call,
			NewInstruction(OpLeaveS, ret),
			handler,
			NewInstruction(OpLeaveS, ret),
			ret,
		)
		m.Body.Regions = []*ExceptionRegion{{
			Kind: RegionCatch, TryStart: call, TryEnd: handler, HandlerStart: handler, HandlerEnd: ret,
		}}

		a, err := AnalyzeStack(m)
		require.NoError(t, err)
		_, err = a.argumentStart(1)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedConstruct)
		assert.True(t, IsRecoverable(err))

		var buf bytes.Buffer
		sites, err := NewCallSiteCollector(log.New(&buf, "", 0), nil).Collect(m, nil)
		require.NoError(t, err)
		assert.Equal(t, []*Instruction{call}, siteStarts(sites))
		assert.Contains(t, buf.String(), "WARN:")
		assert.Contains(t, buf.String(), "outside the enclosing block")
	})

	t.Run("cyclic_definitions", func(t *testing.T) {
		loop := NewInstruction(OpLdcI41, nil)
		call := NewInstruction(OpCall, sink)
		m := newStaticMethod("Run", nil, nil,
			NewInstruction(OpLdcI40, nil),
			loop,
			NewInstruction(OpAdd, nil),
			NewInstruction(OpDup, nil),
			NewInstruction(OpBrtrueS, loop),
			call,
			NewInstruction(OpRet, nil),
		)

		a, err := AnalyzeStack(m)
		require.NoError(t, err)
		_, err = a.argumentStart(5)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedConstruct)
		assert.Contains(t, err.Error(), "cyclic")

		sites, err := NewCallSiteCollector(nil, nil).Collect(m, nil)
		require.NoError(t, err)
		assert.Equal(t, []*Instruction{call}, siteStarts(sites))
	})
}

func TestCallSiteCollectorCache(t *testing.T) {
	t.Parallel()

	cache, err := NewAnalysisCache(1 << 10)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	collector := NewCallSiteCollector(nil, cache)

	ldc := NewInstruction(OpLdcI41, nil)
	call := NewInstruction(OpCall, staticRef(sampleType, "Sink", nil, int32Type))
	m := newStaticMethod("Run", nil, nil, ldc, call, NewInstruction(OpRet, nil))

	first, err := collector.Analyze(m)
	require.NoError(t, err)
	sites, err := collector.Collect(m, nil)
	require.NoError(t, err)
	assert.Equal(t, []*Instruction{ldc}, siteStarts(sites))

	e, err := OpenBody(m)
	require.NoError(t, err)
	nop := NewInstruction(OpNop, nil)
	require.NoError(t, e.InsertBefore(ldc, nop))
	require.NoError(t, e.Close())

	second, err := collector.Analyze(m)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 0, second.DepthBefore(nop))
}
