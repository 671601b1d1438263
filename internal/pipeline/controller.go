package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rebuild-go/internal/align"
	"github.com/apk-analysis/apk-rebuild-go/internal/archive"
	"github.com/apk-analysis/apk-rebuild-go/internal/dex"
	"github.com/apk-analysis/apk-rebuild-go/internal/patch"
	"github.com/apk-analysis/apk-rebuild-go/internal/signing"
	"github.com/apk-analysis/apk-rebuild-go/internal/worker"
)

// Observer 阶段事件回调，实现必须可并发调用
type Observer interface {
	StageStarted(runID string, stage Stage)
	StageFinished(runID string, stage Stage, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) StageStarted(string, Stage)                         {}
func (nopObserver) StageFinished(string, Stage, time.Duration, error) {}

// Options 流水线配置
type Options struct {
	Timeout             time.Duration
	Workers             int
	Scheme              signing.Preference
	MinSDK              int
	PageAlignNativeLibs bool
	VerifyAfterSign     bool
	V1                  signing.V1Options
}

// Request 单次重建请求
type Request struct {
	ID           string
	APK          []byte
	Instructions []patch.Instruction
	NativeLibs   []patch.NativeLib
	Identity     *signing.Identity
	Scheme       signing.Preference // 为空时使用 Options.Scheme
	MinSDK       int                // 为 0 时使用 Options.MinSDK
	Units        []string           // 限定反汇编的字节码条目，为空时按指令推断
}

// Result 成功运行的输出
type Result struct {
	ID       string
	APK      []byte
	Scheme   signing.Scheme
	Applied  []int
	Touched  []string
	Archive  *archive.Archive
	Duration time.Duration
}

// Controller 按固定顺序驱动各阶段。Controller 本身无运行期状态，
// 可被多个 goroutine 同时用于不同的 APK。
type Controller struct {
	disasm   dex.Disassembler
	crypto   signing.Crypto
	opts     Options
	observer Observer
	logger   *logrus.Logger
}

// NewController 创建流水线控制器
func NewController(d dex.Disassembler, c signing.Crypto, opts Options, logger *logrus.Logger) *Controller {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Scheme == "" {
		opts.Scheme = signing.PreferAuto
	}
	return &Controller{
		disasm:   d,
		crypto:   c,
		opts:     opts,
		observer: nopObserver{},
		logger:   logger,
	}
}

// SetObserver 设置阶段观察者，nil 表示不观察
func (c *Controller) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.observer = o
}

// Run 执行一次完整的 加载 -> 反汇编 -> 打补丁 -> 回编 -> 检查点 -> 签名 -> 对齐 -> 序列化。
//
// 失败时返回 *StageError，其中的 Archive 为最近一次检查点，绝不是中间状态。
func (c *Controller) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	r := &run{
		c:   c,
		req: req,
		log: c.logger.WithField("run_id", req.ID),
	}
	start := time.Now()
	out, err := r.execute(ctx)
	if err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"scheme":   r.scheme.String(),
		"applied":  len(r.applied),
		"touched":  len(r.touched),
		"size":     len(out),
		"duration": time.Since(start),
	}).Info("Rebuild completed")

	return &Result{
		ID:       req.ID,
		APK:      out,
		Scheme:   r.scheme,
		Applied:  r.applied,
		Touched:  r.touched,
		Archive:  r.archive,
		Duration: time.Since(start),
	}, nil
}

// run 单次运行的可变状态，checkpoint 槽位同一时刻只保存一个副本
type run struct {
	c   *Controller
	req *Request
	log *logrus.Entry

	sm         machine
	archive    *archive.Archive
	checkpoint *archive.Archive
	existing   archive.SignatureInfo

	units   map[string]*dex.Unit
	applied []int
	touched []string

	scheme  signing.Scheme
	minSDK  int
	aligned *align.Aligned
}

func (r *run) execute(ctx context.Context) ([]byte, error) {
	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageLoaded, r.load},
		{StageUnpacked, r.unpack},
		{StagePatched, r.patch},
		{StageReassembled, r.reassemble},
		{StageUnsigned, r.prepareSigning},
	}
	for _, s := range steps {
		if err := r.step(ctx, s.stage, s.fn); err != nil {
			return nil, err
		}
	}

	if r.scheme.HasV1() {
		if err := r.step(ctx, StageV1Pending, r.signV1); err != nil {
			return nil, err
		}
		if err := r.enter(StageV1Signed); err != nil {
			return nil, err
		}
	}

	if err := r.step(ctx, StageAligned, r.align); err != nil {
		return nil, err
	}

	if r.scheme.HasV2() {
		if err := r.step(ctx, StageV2Pending, r.signV2); err != nil {
			return nil, err
		}
	}
	if err := r.enter(StageSigned); err != nil {
		return nil, err
	}

	var out []byte
	err := r.step(ctx, StageDone, func(ctx context.Context) error {
		data, err := r.serialize()
		out = data
		return err
	})
	return out, err
}

// step 在迁移到 stage 之前执行 fn；顺序由迁移表保证而非调用方
func (r *run) step(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	if !CanTransition(r.sm.current, stage) {
		return r.fail(stage, fmt.Errorf("illegal stage transition %s -> %s", r.sm.current, stage))
	}
	if err := ctx.Err(); err != nil {
		return r.fail(stage, fmt.Errorf("%w before %s: %w", ErrPipelineTimeout, stage, err))
	}

	r.c.observer.StageStarted(r.req.ID, stage)
	start := time.Now()
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrPipelineTimeout) {
		err = fmt.Errorf("%w during %s: %w", ErrPipelineTimeout, stage, err)
	}
	elapsed := time.Since(start)
	r.c.observer.StageFinished(r.req.ID, stage, elapsed, err)

	if err != nil {
		return r.fail(stage, err)
	}
	r.log.WithFields(logrus.Fields{
		"stage":    stage.String(),
		"duration": elapsed,
	}).Debug("Stage finished")
	return r.enter(stage)
}

func (r *run) enter(stage Stage) error {
	if err := r.sm.advance(stage); err != nil {
		return r.fail(stage, err)
	}
	return nil
}

// fail 恢复到检查点并返回带阶段标记的错误
func (r *run) fail(stage Stage, err error) error {
	r.sm.current = StageFailed
	r.archive = r.checkpoint
	r.aligned = nil
	r.units = nil

	r.log.WithError(err).WithFields(logrus.Fields{
		"stage": stage.String(),
		"kind":  Kind(err),
	}).Error("Pipeline stage failed, restored last checkpoint")

	return &StageError{
		Stage:   stage,
		Err:     err,
		Applied: r.applied,
		Archive: r.checkpoint,
	}
}

// takeCheckpoint 保存当前归档的副本，替换旧检查点
func (r *run) takeCheckpoint() {
	r.checkpoint = r.archive.Clone()
}

func (r *run) load(context.Context) error {
	a, err := archive.Load(r.req.APK)
	if err != nil {
		return err
	}
	r.archive = a
	r.existing = a.ExistingSignatures()
	r.takeCheckpoint()

	r.log.WithFields(logrus.Fields{
		"entries":   a.Len(),
		"signed_v1": r.existing.V1,
		"signed_v2": r.existing.V2,
		"signed_v3": r.existing.V3,
	}).Info("Archive loaded")
	return nil
}

// targets 需要反汇编的字节码条目。未指定 unit 的指令可能落在任意 dex 中。
func (r *run) targets() []string {
	if len(r.req.Instructions) == 0 {
		return nil
	}
	var bytecode []string
	for _, p := range r.archive.Paths() {
		if dex.IsBytecodeEntry(p) {
			bytecode = append(bytecode, p)
		}
	}

	named := make(map[string]bool)
	for _, u := range r.req.Units {
		named[u] = true
	}
	unscoped := false
	for _, in := range r.req.Instructions {
		if in.Target.Unit == "" {
			unscoped = true
			continue
		}
		named[in.Target.Unit] = true
	}
	if unscoped && len(r.req.Units) == 0 {
		return bytecode
	}

	var out []string
	for _, p := range bytecode {
		if named[p] {
			out = append(out, p)
		}
	}
	return out
}

func (r *run) unpack(ctx context.Context) error {
	targets := r.targets()
	units := make([]*dex.Unit, len(targets))

	err := worker.Parallel(ctx, r.c.opts.Workers, len(targets), func(ctx context.Context, i int) error {
		e, err := r.archive.Entry(targets[i])
		if err != nil {
			return err
		}
		data, err := e.Content()
		if err != nil {
			return err
		}
		u, err := r.c.disasm.Unpack(ctx, targets[i], data)
		if err != nil {
			return fmt.Errorf("unpack %s: %w", targets[i], err)
		}
		units[i] = u
		return nil
	})
	if err != nil {
		return err
	}

	r.units = make(map[string]*dex.Unit, len(units))
	for _, u := range units {
		r.units[u.Entry()] = u
	}
	r.log.WithField("units", targets).Info("Bytecode entries unpacked")
	return nil
}

func (r *run) patch(context.Context) error {
	res, err := patch.Apply(r.units, r.req.Instructions)
	if res != nil {
		r.applied = res.Applied
		r.touched = res.Touched
	}
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"applied": len(r.applied),
		"touched": r.touched,
	}).Info("Patch instructions applied")
	return nil
}

// reassemble 先全部回编到暂存区，全部成功后才写入归档
func (r *run) reassemble(ctx context.Context) error {
	staged := make([][]byte, len(r.touched))
	err := worker.Parallel(ctx, r.c.opts.Workers, len(r.touched), func(ctx context.Context, i int) error {
		u, ok := r.units[r.touched[i]]
		if !ok {
			return fmt.Errorf("%w: touched unit %s was never unpacked", dex.ErrReassemblyConflict, r.touched[i])
		}
		data, err := r.c.disasm.Pack(ctx, u)
		if err != nil {
			return fmt.Errorf("pack %s: %w", u.Entry(), err)
		}
		if err := dex.CheckLimits(data); err != nil {
			return fmt.Errorf("pack %s: %w", u.Entry(), err)
		}
		staged[i] = data
		return nil
	})
	if err != nil {
		return err
	}

	for _, lib := range r.req.NativeLibs {
		if !archive.IsNativeLibrary(lib.Path) {
			return fmt.Errorf("%w: %s is not a native library path", dex.ErrReassemblyConflict, lib.Path)
		}
	}

	for i, p := range r.touched {
		if err := r.archive.Replace(p, staged[i]); err != nil {
			return err
		}
	}
	for _, lib := range r.req.NativeLibs {
		if r.archive.Has(lib.Path) {
			if err := r.archive.Replace(lib.Path, lib.Content); err != nil {
				return err
			}
			continue
		}
		if err := r.archive.Insert(archive.NewEntry{Path: lib.Path, Content: lib.Content, Method: archive.Stored}); err != nil {
			return err
		}
	}
	r.units = nil

	r.log.WithFields(logrus.Fields{
		"entries":     r.touched,
		"native_libs": len(r.req.NativeLibs),
	}).Info("Reassembled entries flushed")
	return nil
}

// prepareSigning 建立签名前检查点并确定签名方案
func (r *run) prepareSigning(context.Context) error {
	r.takeCheckpoint()

	pref := r.req.Scheme
	if pref == "" {
		pref = r.c.opts.Scheme
	}
	minSDK := r.req.MinSDK
	if minSDK == 0 {
		minSDK = r.c.opts.MinSDK
	}
	r.scheme = signing.SelectScheme(pref, r.existing, minSDK)
	r.minSDK = minSDK

	if r.req.Identity == nil {
		return fmt.Errorf("%w: no signing identity", signing.ErrSigningFailed)
	}
	if err := signing.StripSignatures(r.archive); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"scheme":     r.scheme.String(),
		"preference": string(pref),
		"min_sdk":    minSDK,
		"signer":     r.req.Identity.String(),
	}).Info("Signing scheme selected")
	return nil
}

func (r *run) signV1(context.Context) error {
	signer := signing.NewV1Signer(r.c.crypto, r.c.opts.V1)
	return signer.Sign(r.archive, r.req.Identity, r.minSDK, r.scheme.HasV2())
}

func (r *run) align(context.Context) error {
	aligned, err := align.Align(r.archive, align.Options{PageAlignNativeLibs: r.c.opts.PageAlignNativeLibs})
	if err != nil {
		return err
	}
	r.aligned = aligned
	return nil
}

func (r *run) signV2(context.Context) error {
	if r.aligned == nil {
		return fmt.Errorf("%w: archive not aligned", signing.ErrSigningFailed)
	}
	return signing.NewV2Signer(r.c.crypto).Sign(r.aligned, r.req.Identity)
}

func (r *run) serialize() ([]byte, error) {
	out, err := r.archive.Serialize()
	if err != nil {
		return nil, err
	}
	if !r.c.opts.VerifyAfterSign {
		return out, nil
	}

	if r.scheme.HasV2() {
		if _, err := signing.VerifyV2(out, r.c.crypto); err != nil {
			return nil, err
		}
	}
	if r.scheme.HasV1() {
		reloaded, err := archive.Load(out)
		if err != nil {
			return nil, err
		}
		if _, err := signing.VerifyV1(reloaded); err != nil {
			return nil, err
		}
	}
	return out, nil
}
