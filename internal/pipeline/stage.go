package pipeline

import "fmt"

// Stage 流水线阶段
type Stage int

const (
	StageIdle Stage = iota
	StageLoaded
	StageUnpacked
	StagePatched
	StageReassembled
	StageUnsigned // 签名前检查点
	StageV1Pending
	StageV1Signed
	StageAligned
	StageV2Pending
	StageSigned
	StageDone
	StageFailed
)

var stageNames = map[Stage]string{
	StageIdle:        "idle",
	StageLoaded:      "loaded",
	StageUnpacked:    "unpacked",
	StagePatched:     "patched",
	StageReassembled: "reassembled",
	StageUnsigned:    "unsigned",
	StageV1Pending:   "v1_pending",
	StageV1Signed:    "v1_signed",
	StageAligned:     "aligned",
	StageV2Pending:   "v2_pending",
	StageSigned:      "signed",
	StageDone:        "done",
	StageFailed:      "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// transitions 合法的阶段迁移。V2Pending 只能由 Aligned 进入。
var transitions = map[Stage][]Stage{
	StageIdle:        {StageLoaded},
	StageLoaded:      {StageUnpacked},
	StageUnpacked:    {StagePatched},
	StagePatched:     {StageReassembled},
	StageReassembled: {StageUnsigned},
	StageUnsigned:    {StageV1Pending, StageAligned},
	StageV1Pending:   {StageV1Signed},
	StageV1Signed:    {StageAligned},
	StageAligned:     {StageV2Pending, StageSigned},
	StageV2Pending:   {StageSigned},
	StageSigned:      {StageDone},
}

// CanTransition 判断 from -> to 是否合法；任何非终止阶段都可进入 Failed
func CanTransition(from, to Stage) bool {
	if to == StageFailed {
		return from != StageDone && from != StageFailed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine 单次运行的状态机
type machine struct {
	current Stage
}

func (m *machine) advance(to Stage) error {
	if !CanTransition(m.current, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", m.current, to)
	}
	m.current = to
	return nil
}
