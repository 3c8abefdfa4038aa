package sim

import xerrors "ChainSim/internal/errors"

// 模拟驱动使用的错误码。
const (
	CodeNetworkBuild xerrors.Code = "NETWORK_BUILD"
	CodeTimeAdvance  xerrors.Code = "TIME_ADVANCE"
	CodeIteration    xerrors.Code = "ITERATION"
	CodeRunPanic     xerrors.Code = "RUN_PANIC"
)

func init() {
	xerrors.Register(CodeNetworkBuild, xerrors.Attributes{
		Message:  "network build failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTimeAdvance, xerrors.Attributes{
		Message:  "time advance failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeIteration, xerrors.Attributes{
		Message:  "iteration failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeRunPanic, xerrors.Attributes{
		Message:  "simulation panicked",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
