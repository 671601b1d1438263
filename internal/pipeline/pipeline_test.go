package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-rebuild-go/internal/archive"
	"github.com/apk-analysis/apk-rebuild-go/internal/dex"
	"github.com/apk-analysis/apk-rebuild-go/internal/patch"
	"github.com/apk-analysis/apk-rebuild-go/internal/signing"
	"github.com/apk-analysis/apk-rebuild-go/internal/signing/signingtest"
)

const (
	dexHeaderSize = 0x70
	classSep      = "\n#----\n"
	libPath       = "lib/x86/libab.so"
)

const mainActivity = `.class public Lcom/example/Main;
.super Landroid/app/Activity;

.method protected onCreate(Landroid/os/Bundle;)V
    .registers 3

    invoke-super {p0, p1}, Landroid/app/Activity;->onCreate(Landroid/os/Bundle;)V
    return-void
.end method
`

const helperClass = `.class public Lcom/example/Helper;
.super Ljava/lang/Object;

.method public static run()V
    .registers 1

    return-void
.end method
`

// fakeDex 文件头之后按分隔符串接 smali 源码
func fakeDex(methods uint32, classes ...string) []byte {
	body := strings.Join(classes, classSep)
	data := make([]byte, dexHeaderSize+len(body))
	copy(data, "dex\n035\x00")
	binary.LittleEndian.PutUint32(data[32:], uint32(len(data)))
	binary.LittleEndian.PutUint32(data[36:], dexHeaderSize)
	binary.LittleEndian.PutUint32(data[40:], 0x12345678)
	binary.LittleEndian.PutUint32(data[88:], methods)
	copy(data[dexHeaderSize:], body)
	dex.FixChecksum(data)
	return data
}

// fakeDisassembler 不依赖外部工具的反汇编器
type fakeDisassembler struct {
	methods     uint32
	failPack    map[string]error
	unpackDelay time.Duration

	mu     sync.Mutex
	packed []string
}

func (f *fakeDisassembler) Unpack(ctx context.Context, entry string, data []byte) (*dex.Unit, error) {
	h, err := dex.ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if f.unpackDelay > 0 {
		select {
		case <-time.After(f.unpackDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	u := dex.NewUnit(entry, h.Version)
	for _, src := range strings.Split(string(data[dexHeaderSize:]), classSep) {
		if strings.TrimSpace(src) == "" {
			continue
		}
		if _, err := u.AddSource(src); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (f *fakeDisassembler) Pack(_ context.Context, u *dex.Unit) ([]byte, error) {
	f.mu.Lock()
	f.packed = append(f.packed, u.Entry())
	f.mu.Unlock()

	if err := f.failPack[u.Entry()]; err != nil {
		return nil, err
	}
	var classes []string
	for _, d := range u.Classes() {
		src, _ := u.Class(d)
		classes = append(classes, src)
	}
	methods := f.methods
	if methods == 0 {
		methods = uint32(len(classes))
	}
	return fakeDex(methods, classes...), nil
}

// recorder 记录阶段事件
type recorder struct {
	mu       sync.Mutex
	started  []Stage
	finished map[Stage]error
}

func (r *recorder) StageStarted(_ string, s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
}

func (r *recorder) StageFinished(_ string, s Stage, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[Stage]error)
	}
	r.finished[s] = err
}

type failingCrypto struct{ signing.SHA256 }

func (failingCrypto) Sign([]byte, *signing.Identity) ([]byte, error) {
	return nil, fmt.Errorf("%w: hsm unavailable", signing.ErrSigningFailed)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var (
	ecOnce sync.Once
	ecID   *signing.Identity
)

func ecIdentity(t *testing.T) *signing.Identity {
	t.Helper()
	ecOnce.Do(func() {
		id, err := signing.Ephemeral("pipeline-test", signing.KeyECDSA)
		if err != nil {
			panic(err)
		}
		ecID = id
	})
	return ecID
}

// buildAPK native 库放在首位，数据偏移 46，相对 4 字节对齐差 2
func buildAPK(t *testing.T, dexEntries map[string][]byte) []byte {
	t.Helper()
	a := archive.New()
	require.NoError(t, a.Insert(archive.NewEntry{Path: libPath, Content: []byte("\x7fELF-native-lib"), Method: archive.Stored}))

	names := make([]string, 0, len(dexEntries))
	for n := range dexEntries {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		require.NoError(t, a.Insert(archive.NewEntry{Path: n, Content: dexEntries[n], Method: archive.Deflated}))
	}
	require.NoError(t, a.Insert(archive.NewEntry{Path: "AndroidManifest.xml", Content: []byte("<manifest/>"), Method: archive.Deflated}))

	data, err := a.Serialize()
	require.NoError(t, err)

	loaded, err := archive.Load(data)
	require.NoError(t, err)
	e, err := loaded.Entry(libPath)
	require.NoError(t, err)
	off, ok := e.DataOffset()
	require.True(t, ok)
	require.Equal(t, int64(2), off%4)
	return data
}

func singleDexAPK(t *testing.T) []byte {
	return buildAPK(t, map[string][]byte{"classes.dex": fakeDex(1, mainActivity)})
}

func newController(d dex.Disassembler, c signing.Crypto, opts Options) *Controller {
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	return NewController(d, c, opts, testLogger())
}

// classSource 从输出 APK 中读回某个类的源码
func classSource(t *testing.T, a *archive.Archive, entry, desc string) (string, bool) {
	t.Helper()
	e, err := a.Entry(entry)
	require.NoError(t, err)
	data, err := e.Content()
	require.NoError(t, err)
	u, err := (&fakeDisassembler{}).Unpack(context.Background(), entry, data)
	require.NoError(t, err)
	return u.Class(desc)
}

func TestRun_V2EndToEnd(t *testing.T) {
	input := singleDexAPK(t)
	rec := &recorder{}
	ctrl := newController(&fakeDisassembler{}, signing.SHA256{}, Options{VerifyAfterSign: true})
	ctrl.SetObserver(rec)

	res, err := ctrl.Run(context.Background(), &Request{
		APK:          input,
		Instructions: patch.LibraryLoader(patch.LoaderOptions{Activity: "com.example.Main", Library: "ab"}),
		Identity:     ecIdentity(t),
		Scheme:       signing.PreferV2,
		MinSDK:       26,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, signing.SchemeV2, res.Scheme)
	assert.Equal(t, []int{0}, res.Applied)
	assert.Equal(t, []string{"classes.dex"}, res.Touched)

	out, err := archive.Load(res.APK)
	require.NoError(t, err)
	lib, err := out.Entry(libPath)
	require.NoError(t, err)
	off, ok := lib.DataOffset()
	require.True(t, ok)
	assert.Zero(t, off%4, "native library must be 4-byte aligned")

	certs, err := signing.VerifyV2(res.APK, signing.SHA256{})
	require.NoError(t, err)
	assert.Equal(t, ecIdentity(t).Certificate().Raw, certs[0].Raw)
	assert.False(t, out.ExistingSignatures().V1)

	src, ok := classSource(t, out, "classes.dex", "Lcom/example/Main;")
	require.True(t, ok)
	assert.Contains(t, src, `const-string v0, "ab"`)
	assert.Contains(t, src, "Ljava/lang/System;->loadLibrary")

	zr, err := zip.NewReader(bytes.NewReader(res.APK), int64(len(res.APK)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 3)

	assert.Equal(t, []Stage{
		StageLoaded, StageUnpacked, StagePatched, StageReassembled,
		StageUnsigned, StageAligned, StageV2Pending, StageDone,
	}, rec.started)
}

func TestRun_AutoSchemeOnUnsignedInputSignsBoth(t *testing.T) {
	ctrl := newController(&fakeDisassembler{}, signing.SHA256{}, Options{VerifyAfterSign: true, PageAlignNativeLibs: true})

	res, err := ctrl.Run(context.Background(), &Request{
		APK:      singleDexAPK(t),
		Identity: ecIdentity(t),
	})
	require.NoError(t, err)
	assert.Equal(t, signing.SchemeBoth, res.Scheme)
	assert.Empty(t, res.Touched)

	out, err := archive.Load(res.APK)
	require.NoError(t, err)
	v1, err := signing.VerifyV1(out)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, v1.Hash)
	_, err = signing.VerifyV2(res.APK, signing.SHA256{})
	require.NoError(t, err)
	signingtest.RequireSigner(t, res.APK, ecIdentity(t).Certificate(), "v1", "v2")

	lib, err := out.Entry(libPath)
	require.NoError(t, err)
	off, _ := lib.DataOffset()
	assert.Zero(t, off%4096)
}

func TestRun_LegacyMinSDKUsesSHA1ForV1(t *testing.T) {
	ctrl := newController(&fakeDisassembler{}, signing.SHA256{}, Options{VerifyAfterSign: true})

	t.Run("RSA 证书使用 SHA-1 摘要", func(t *testing.T) {
		id, err := signing.Ephemeral("legacy", signing.KeyRSA)
		require.NoError(t, err)
		res, err := ctrl.Run(context.Background(), &Request{
			APK:      singleDexAPK(t),
			Identity: id,
			MinSDK:   15,
		})
		require.NoError(t, err)
		assert.Equal(t, signing.SchemeBoth, res.Scheme)

		sigs := signingtest.RequireSigner(t, res.APK, id.Certificate(), "v1", "v2")
		assert.Equal(t, crypto.SHA1, sigs["v1"].Hash)
		assert.Equal(t, crypto.SHA256, sigs["v2"].Hash)

		out, err := archive.Load(res.APK)
		require.NoError(t, err)
		mf, err := out.Entry("META-INF/MANIFEST.MF")
		require.NoError(t, err)
		content, err := mf.Content()
		require.NoError(t, err)
		assert.Contains(t, string(content), "SHA1-Digest: ")
		assert.NotContains(t, string(content), "SHA-256-Digest")
	})

	t.Run("ECDSA 证书被拒绝", func(t *testing.T) {
		_, err := ctrl.Run(context.Background(), &Request{
			APK:      singleDexAPK(t),
			Identity: ecIdentity(t),
			MinSDK:   15,
		})
		require.Error(t, err)
		assert.Equal(t, KindSigningFailed, Kind(err))
		assert.ErrorIs(t, err, signing.ErrSigningFailed)
	})
}

func TestRun_NativeLibsInsertedAndAligned(t *testing.T) {
	ctrl := newController(&fakeDisassembler{}, signing.SHA256{}, Options{VerifyAfterSign: true})

	res, err := ctrl.Run(context.Background(), &Request{
		APK: singleDexAPK(t),
		NativeLibs: []patch.NativeLib{
			{Path: "lib/arm64-v8a/libinject.so", Content: []byte("odd-length-payload")},
			{Path: libPath, Content: []byte("replaced")},
		},
		Identity: ecIdentity(t),
		Scheme:   signing.PreferBoth,
	})
	require.NoError(t, err)

	out, err := archive.Load(res.APK)
	require.NoError(t, err)
	for _, p := range []string{"lib/arm64-v8a/libinject.so", libPath} {
		e, err := out.Entry(p)
		require.NoError(t, err)
		assert.Equal(t, archive.Stored, e.Method())
		off, _ := e.DataOffset()
		assert.Zero(t, off%4, p)
	}
	e, _ := out.Entry(libPath)
	content, err := e.Content()
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(content))
}

func TestRun_PatchConflictLeavesArchiveUnchanged(t *testing.T) {
	input := singleDexAPK(t)
	fake := &fakeDisassembler{}
	ctrl := newController(fake, signing.SHA256{}, Options{})

	_, err := ctrl.Run(context.Background(), &Request{
		APK: input,
		Instructions: []patch.Instruction{
			{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Main", Method: "onCreate"}, Content: "    nop"},
			{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Main", Method: "onDestroy"}, Content: "    nop"},
		},
		Identity: ecIdentity(t),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, patch.ErrPatchConflict)
	assert.Equal(t, KindPatchConflict, Kind(err))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StagePatched, stageErr.Stage)
	assert.Equal(t, []int{0}, stageErr.Applied)

	var conflict *patch.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 1, conflict.Index)

	require.NotNil(t, stageErr.Archive)
	restored, err := stageErr.Archive.Serialize()
	require.NoError(t, err)
	assert.Equal(t, input, restored)
	assert.Empty(t, fake.packed, "nothing may be packed after a failed patch stage")
}

func TestRun_ReassemblyIsAtomic(t *testing.T) {
	input := buildAPK(t, map[string][]byte{
		"classes.dex":  fakeDex(1, mainActivity),
		"classes2.dex": fakeDex(1, helperClass),
	})
	fake := &fakeDisassembler{failPack: map[string]error{
		"classes2.dex": fmt.Errorf("%w: too many registers", dex.ErrReassemblyConflict),
	}}
	ctrl := newController(fake, signing.SHA256{}, Options{})

	_, err := ctrl.Run(context.Background(), &Request{
		APK: input,
		Instructions: []patch.Instruction{
			{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Main", Method: "onCreate"}, Content: "    nop"},
			{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Helper", Method: "run"}, Content: "    nop"},
		},
		Identity: ecIdentity(t),
	})
	require.Error(t, err)
	assert.Equal(t, KindReassemblyConflict, Kind(err))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageReassembled, stageErr.Stage)
	assert.Equal(t, []int{0, 1}, stageErr.Applied)

	restored, err := stageErr.Archive.Serialize()
	require.NoError(t, err)
	assert.Equal(t, input, restored)
}

func TestRun_MethodLimitExceeded(t *testing.T) {
	input := singleDexAPK(t)
	ctrl := newController(&fakeDisassembler{methods: dex.MaxIndexCount + 1}, signing.SHA256{}, Options{})

	_, err := ctrl.Run(context.Background(), &Request{
		APK: input,
		Instructions: []patch.Instruction{
			{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Main", Method: "onCreate"}, Content: "    nop"},
		},
		Identity: ecIdentity(t),
	})
	assert.ErrorIs(t, err, dex.ErrReassemblyConflict)
	assert.Equal(t, KindReassemblyConflict, Kind(err))
}

func TestRun_SigningFailureRestoresPreSigningCheckpoint(t *testing.T) {
	input := singleDexAPK(t)
	ctrl := newController(&fakeDisassembler{}, failingCrypto{}, Options{})

	_, err := ctrl.Run(context.Background(), &Request{
		APK: input,
		Instructions: []patch.Instruction{
			{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Main", Method: "onCreate"}, Content: "    nop"},
		},
		Identity: ecIdentity(t),
		Scheme:   signing.PreferBoth,
	})
	require.Error(t, err)
	assert.Equal(t, KindSigningFailed, Kind(err))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageV1Pending, stageErr.Stage)

	// 检查点位于回编之后、签名之前
	cp := stageErr.Archive
	require.NotNil(t, cp)
	assert.False(t, cp.Has("META-INF/MANIFEST.MF"))
	assert.Nil(t, cp.SigningBlock())
	src, ok := classSource(t, cp, "classes.dex", "Lcom/example/Main;")
	require.True(t, ok)
	assert.Contains(t, src, "nop")
}

func TestRun_V2FailureAfterV1(t *testing.T) {
	// v1 成功、v2 失败时同样回到签名前检查点
	ctrl := newController(&fakeDisassembler{}, &v2OnlyFailure{}, Options{})

	_, err := ctrl.Run(context.Background(), &Request{
		APK:      singleDexAPK(t),
		Identity: ecIdentity(t),
		Scheme:   signing.PreferBoth,
	})
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageV2Pending, stageErr.Stage)
	assert.False(t, stageErr.Archive.Has("META-INF/MANIFEST.MF"))
}

// v2OnlyFailure 放行前两次签名（v1 的 .SF），之后全部失败
type v2OnlyFailure struct {
	signing.SHA256
	mu    sync.Mutex
	calls int
}

func (c *v2OnlyFailure) Sign(digest []byte, id *signing.Identity) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n > 1 {
		return nil, fmt.Errorf("%w: token removed", signing.ErrSigningFailed)
	}
	return c.SHA256.Sign(digest, id)
}

func TestRun_MissingIdentity(t *testing.T) {
	ctrl := newController(&fakeDisassembler{}, signing.SHA256{}, Options{})
	_, err := ctrl.Run(context.Background(), &Request{APK: singleDexAPK(t)})

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageUnsigned, stageErr.Stage)
	assert.Equal(t, KindSigningFailed, stageErr.Kind())
}

func TestRun_Timeout(t *testing.T) {
	input := singleDexAPK(t)
	ctrl := newController(&fakeDisassembler{unpackDelay: 2 * time.Second}, signing.SHA256{}, Options{
		Timeout: 20 * time.Millisecond,
	})

	start := time.Now()
	_, err := ctrl.Run(context.Background(), &Request{
		APK: input,
		Instructions: []patch.Instruction{
			{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Main", Method: "onCreate"}, Content: "    nop"},
		},
		Identity: ecIdentity(t),
	})
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrPipelineTimeout)
	assert.Equal(t, KindPipelineTimeout, Kind(err))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageUnpacked, stageErr.Stage)
	restored, err := stageErr.Archive.Serialize()
	require.NoError(t, err)
	assert.Equal(t, input, restored)
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ctrl := newController(&fakeDisassembler{}, signing.SHA256{}, Options{})
	_, err := ctrl.Run(ctx, &Request{APK: singleDexAPK(t), Identity: ecIdentity(t)})
	assert.ErrorIs(t, err, ErrPipelineTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_InputErrors(t *testing.T) {
	badDex := buildAPK(t, map[string][]byte{"classes.dex": []byte("not a dex file at all")})

	tests := []struct {
		name  string
		apk   []byte
		kind  string
		stage Stage
	}{
		{"损坏的归档", []byte("PK\x03\x04 truncated"), KindMalformedArchive, StageLoaded},
		{"非 DEX 字节码", badDex, KindUnsupportedBytecodeFormat, StageUnpacked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newController(&fakeDisassembler{}, signing.SHA256{}, Options{})
			_, err := ctrl.Run(context.Background(), &Request{
				APK: tt.apk,
				Instructions: []patch.Instruction{
					{Op: patch.OpRemove, Target: patch.Target{Class: "com.example.Main"}},
				},
				Identity: ecIdentity(t),
			})
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, tt.kind, stageErr.Kind())
			assert.Equal(t, tt.stage, stageErr.Stage)
		})
	}
}

func TestRun_DeterministicOutput(t *testing.T) {
	id, err := signing.Ephemeral("deterministic", signing.KeyRSA)
	require.NoError(t, err)
	input := buildAPK(t, map[string][]byte{
		"classes.dex":  fakeDex(1, mainActivity),
		"classes2.dex": fakeDex(1, helperClass),
	})
	instrs := []patch.Instruction{
		{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Helper", Method: "run"}, Content: "    nop"},
		{Op: patch.OpInsert, Target: patch.Target{Class: "com.example.Main", Method: "onCreate"}, Content: "    nop"},
	}

	run := func() []byte {
		ctrl := newController(&fakeDisassembler{}, signing.SHA256{}, Options{Workers: 4})
		res, err := ctrl.Run(context.Background(), &Request{APK: input, Instructions: instrs, Identity: id})
		require.NoError(t, err)
		return res.APK
	}
	assert.Equal(t, run(), run())
}

func TestTargets(t *testing.T) {
	input := buildAPK(t, map[string][]byte{
		"classes.dex":  fakeDex(1, mainActivity),
		"classes2.dex": fakeDex(1, helperClass),
	})
	a, err := archive.Load(input)
	require.NoError(t, err)

	scoped := patch.Instruction{Op: patch.OpRemove, Target: patch.Target{Unit: "classes2.dex", Class: "a.B"}}
	unscoped := patch.Instruction{Op: patch.OpRemove, Target: patch.Target{Class: "a.B"}}

	tests := []struct {
		name   string
		req    Request
		expect []string
	}{
		{"无指令", Request{}, nil},
		{"指定 unit", Request{Instructions: []patch.Instruction{scoped}}, []string{"classes2.dex"}},
		{"未指定 unit", Request{Instructions: []patch.Instruction{scoped, unscoped}}, []string{"classes.dex", "classes2.dex"}},
		{"请求限定", Request{Instructions: []patch.Instruction{unscoped}, Units: []string{"classes.dex"}}, []string{"classes.dex"}},
		{"不存在的 unit", Request{Instructions: []patch.Instruction{{Op: patch.OpRemove, Target: patch.Target{Unit: "classes9.dex", Class: "a.B"}}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			r := &run{archive: a, req: &req}
			assert.Equal(t, tt.expect, r.targets())
		})
	}
}
