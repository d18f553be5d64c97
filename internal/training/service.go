package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ktrdr/internal/cancel"
	"ktrdr/internal/enum"
	"ktrdr/internal/errs"
	"ktrdr/internal/hostsvc"
	"ktrdr/internal/logger"
	"ktrdr/internal/ops"
)

// Service surfaces strategy training as managed operations. Training runs
// either in-process through the Pipeline or on the detached host when one is
// configured.
type Service struct {
	orchestrator *ops.Orchestrator
	pipeline     *Pipeline
	host         hostsvc.Host // nil for in-process training

	// hostPollInterval paces status polling of detached sessions.
	hostPollInterval time.Duration
}

// NewService creates a training service. host may be nil.
func NewService(orchestrator *ops.Orchestrator, pipeline *Pipeline, host hostsvc.Host) *Service {
	return &Service{
		orchestrator:     orchestrator,
		pipeline:         pipeline,
		host:             host,
		hostPollInterval: 2 * time.Second,
	}
}

// StartResponse extends the generic start result with the training surface's
// extra fields.
type StartResponse struct {
	OperationID              string `json:"operation_id"`
	Status                   string `json:"status"`
	Message                  string `json:"message"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
}

// Start launches a training operation and returns immediately.
func (s *Service) Start(ctx context.Context, req Request) (*StartResponse, error) {
	if req.Manifest == nil {
		return nil, errs.New(errs.InvalidInput, "training request has no manifest")
	}
	if req.Symbol == "" || req.Timeframe == "" {
		return nil, errs.New(errs.InvalidInput, "training request needs symbol and timeframe")
	}

	metadata := map[string]any{
		"strategy":  req.Manifest.Name,
		"symbol":    req.Symbol,
		"timeframe": req.Timeframe,
	}

	var worker ops.Worker
	if s.host != nil {
		sessionID, err := s.host.StartSession(ctx, hostConfig(req))
		if err != nil {
			return nil, err
		}
		metadata[ops.MetadataSessionKey] = sessionID
		worker = s.detachedWorker(sessionID, req)
	} else {
		worker = s.localWorker(req)
	}

	res, err := s.orchestrator.StartManagedOperation(ctx, enum.OperationKindTraining, metadata, worker)
	if err != nil {
		return nil, err
	}

	if s.host != nil {
		if tok := s.orchestrator.Coordinator().Get(res.OperationID); tok != nil {
			sessionID := metadata[ops.MetadataSessionKey].(string)
			s.orchestrator.Coordinator().RegisterHook(ctx, tok, func(hookCtx context.Context, reason string) error {
				return s.host.Stop(hookCtx, sessionID)
			})
		}
	}

	return &StartResponse{
		OperationID:              res.OperationID,
		Status:                   "training_started",
		Message:                  fmt.Sprintf("Training %s on %s/%s", req.Manifest.Name, req.Symbol, req.Timeframe),
		EstimatedDurationMinutes: estimateMinutes(req.Manifest.Training.Epochs),
	}, nil
}

// localWorker drives the in-process pipeline, reporting epoch progress.
func (s *Service) localWorker(req Request) ops.Worker {
	totalEpochs := req.Manifest.Training.Epochs
	return func(ctx context.Context, reporter *ops.ProgressReporter, tok *cancel.Token) (map[string]any, error) {
		onEpoch := func(stats EpochStats) {
			pct := float64(stats.Epoch) / float64(totalEpochs) * 100
			reporter.Report(ctx, pct,
				fmt.Sprintf("Epoch %d/%d", stats.Epoch, totalEpochs),
				ops.TrainingState{
					EpochIndex:  stats.Epoch,
					TotalEpochs: totalEpochs,
					EpochMetrics: map[string]float64{
						"train_loss":   stats.TrainLoss,
						"val_loss":     stats.ValLoss,
						"val_accuracy": stats.ValAcc,
					},
				})
		}

		result, err := s.pipeline.Run(ctx, req, tok, onEpoch)
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				return nil, ops.ErrCancelled
			}
			return nil, err
		}
		return result.Summary(), nil
	}
}

// detachedWorker tracks a session running on the external training host. It
// polls the host's status channel, republishes progress, and finishes when
// the host reports a terminal state. On cancellation the registered hook has
// already sent the stop directive; this worker waits for the host to confirm
// before returning the cancelled sentinel.
func (s *Service) detachedWorker(sessionID string, req Request) ops.Worker {
	totalEpochs := req.Manifest.Training.Epochs
	return func(ctx context.Context, reporter *ops.ProgressReporter, tok *cancel.Token) (map[string]any, error) {
		log := logger.FromContext(ctx)
		ticker := time.NewTicker(s.hostPollInterval)
		defer ticker.Stop()

		// Polls outlive a cancelled context so the stop can be confirmed.
		pollCtx := context.WithoutCancel(ctx)
		done := ctx.Done()
		misses := 0
		for {
			select {
			case <-done:
				if !tok.Requested() {
					return nil, ops.ErrCancelled
				}
				// The stop directive is out; keep polling until the host
				// reports the session stopped or becomes unreachable.
				done = nil
				continue
			case <-ticker.C:
			}

			status, err := s.host.Status(pollCtx, sessionID)
			if err != nil {
				misses++
				log.Warn("detached host status poll failed",
					zap.Int("consecutive", misses), zap.Error(err))
				if tok.Requested() && misses >= 3 {
					// Host unreachable after a stop: declare it and finalize.
					return nil, ops.ErrCancelled
				}
				if misses >= 10 {
					return nil, errs.Wrap(errs.HostUnreachable, err, "training session %s lost", sessionID)
				}
				continue
			}
			misses = 0

			pct := 0.0
			if totalEpochs > 0 {
				pct = float64(status.Epoch) / float64(totalEpochs) * 100
			}
			reporter.Report(ctx, pct,
				fmt.Sprintf("Epoch %d/%d", status.Epoch, totalEpochs),
				ops.TrainingState{
					EpochIndex:   status.Epoch,
					TotalEpochs:  totalEpochs,
					BatchNumber:  status.Batch,
					EpochMetrics: status.Metrics,
					GPUUsage:     status.GPUUsage,
				})

			switch status.State {
			case hostsvc.SessionStateCompleted:
				return map[string]any{
					"training_metrics": status.Metrics,
					"artifacts": map[string]any{
						"model_path": fmt.Sprintf("host://%s", sessionID),
					},
				}, nil
			case hostsvc.SessionStateStopped:
				return nil, ops.ErrCancelled
			case hostsvc.SessionStateFailed:
				return nil, errs.New(errs.TrainingDiverged, "host session %s failed", sessionID).
					WithDetail(map[string]any{"metrics": status.Metrics})
			}
		}
	}
}

func hostConfig(req Request) map[string]any {
	return map[string]any{
		"strategy":  req.Manifest.Name,
		"symbol":    req.Symbol,
		"timeframe": req.Timeframe,
		"manifest":  req.Manifest,
	}
}

// estimateMinutes is a coarse duration hint for the start response.
func estimateMinutes(epochs int) int {
	est := epochs / 10
	if est < 1 {
		est = 1
	}
	return est
}
