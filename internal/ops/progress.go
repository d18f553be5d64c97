package ops

import (
	"ktrdr/internal/enum"
)

// Renderer shapes raw worker state into the per-kind progress context map.
// Renderers are pure functions; they never touch registry state.
type Renderer func(state any) map[string]any

// DataLoadState is the raw progress state of a data-load worker.
type DataLoadState struct {
	Symbol        string
	Timeframe     string
	Mode          string
	SegmentIndex  int
	TotalSegments int
}

// TrainingState is the raw progress state of a training worker.
type TrainingState struct {
	EpochIndex   int
	TotalEpochs  int
	BatchNumber  int
	BatchTotal   int
	EpochMetrics map[string]float64
	GPUUsage     *float64
}

// BacktestState is the raw progress state of a backtesting worker.
type BacktestState struct {
	BarIndex    int
	TotalBars   int
	TradesSoFar int
}

// RenderDataLoad shapes data-load progress context.
func RenderDataLoad(state any) map[string]any {
	s, ok := state.(DataLoadState)
	if !ok {
		return nil
	}
	return map[string]any{
		"symbol":         s.Symbol,
		"timeframe":      s.Timeframe,
		"mode":           s.Mode,
		"segment_index":  s.SegmentIndex,
		"total_segments": s.TotalSegments,
	}
}

// RenderTraining shapes training progress context.
func RenderTraining(state any) map[string]any {
	s, ok := state.(TrainingState)
	if !ok {
		return nil
	}
	out := map[string]any{
		"epoch_index":  s.EpochIndex,
		"total_epochs": s.TotalEpochs,
		"batch_number": s.BatchNumber,
		"batch_total":  s.BatchTotal,
	}
	if len(s.EpochMetrics) > 0 {
		out["epoch_metrics"] = s.EpochMetrics
	}
	if s.GPUUsage != nil {
		out["gpu_usage"] = *s.GPUUsage
	}
	return out
}

// RenderBacktest shapes backtesting progress context.
func RenderBacktest(state any) map[string]any {
	s, ok := state.(BacktestState)
	if !ok {
		return nil
	}
	return map[string]any{
		"bar_index":     s.BarIndex,
		"total_bars":    s.TotalBars,
		"trades_so_far": s.TradesSoFar,
	}
}

// rendererFor resolves the renderer by operation kind at wiring time.
func rendererFor(kind enum.OperationKind) Renderer {
	switch kind {
	case enum.OperationKindDataLoad:
		return RenderDataLoad
	case enum.OperationKindTraining:
		return RenderTraining
	case enum.OperationKindBacktesting:
		return RenderBacktest
	default:
		return nil
	}
}
