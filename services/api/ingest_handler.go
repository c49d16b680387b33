package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ingestd/services/operations"
	"ingestd/services/uploads"
)

const opTypeIngest = "INGEST"

// Run statuses. A run starts PENDING when its ingest operation is claimed
// and is promoted to INGESTED only after the artifact passes verification;
// a failed verification marks it FAILED instead.
const (
	RunStatusPending  = "PENDING"
	RunStatusIngested = "INGESTED"
	RunStatusFailed   = "FAILED"
)

// IngestHandler returns the dispatcher handler for INGEST operations: it
// resolves the upload session named in the payload, verifies the object with
// the issuing provider, and records the run and artifact rows.
func IngestHandler(uploadSvc *uploads.Service, tests TestStore, logger zerolog.Logger) operations.Handler {
	return func(ctx context.Context, op *operations.Operation) (map[string]any, []operations.Warning, error) {
		testID, err := payloadUUID(op.Payload, "test_id")
		if err != nil {
			return nil, nil, err
		}
		artifact, ok := op.Payload["artifact"].(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("payload has no artifact")
		}
		sessionID, err := payloadUUID(artifact, "session_id")
		if err != nil {
			return nil, nil, err
		}
		sizeBytes, err := payloadInt64(artifact, "size_bytes")
		if err != nil {
			return nil, nil, err
		}
		sha256Hex, _ := artifact["sha256"].(string)

		run := &Run{
			ID:        uuid.New(),
			TestID:    testID,
			Status:    RunStatusPending,
			Metadata:  map[string]any{"operation_id": op.ID.String()},
			CreatedAt: time.Now().UTC(),
		}
		if err := tests.CreateRun(ctx, run); err != nil {
			return nil, nil, fmt.Errorf("create run: %w", err)
		}

		verified, err := uploadSvc.FinalizeForRun(ctx, sessionID, sizeBytes, sha256Hex, &run.ID)
		if err != nil {
			if serr := tests.SetRunStatus(ctx, run.ID, RunStatusFailed); serr != nil {
				logger.Error().Err(serr).Stringer("run_id", run.ID).Msg("mark run failed")
			}
			return nil, nil, fmt.Errorf("finalize upload: %w", err)
		}
		if err := tests.SetRunStatus(ctx, run.ID, RunStatusIngested); err != nil {
			return nil, nil, fmt.Errorf("promote run: %w", err)
		}

		logger.Info().
			Stringer("operation_id", op.ID).
			Stringer("run_id", run.ID).
			Str("url", verified.URL).
			Msg("ingest completed")

		var warnings []operations.Warning
		if forced, _ := op.Payload["force_update"].(bool); forced {
			warnings = append(warnings, operations.Warning{
				Code:    operations.WarnVersionConflict,
				Message: "forced update over an existing run",
			})
		}

		result := map[string]any{
			"test_id":      testID.String(),
			"run_id":       run.ID.String(),
			"artifact_id":  verified.ID.String(),
			"artifact_url": verified.URL,
			"size_bytes":   verified.SizeBytes,
		}
		return result, warnings, nil
	}
}

func payloadUUID(payload map[string]any, key string) (uuid.UUID, error) {
	raw, ok := payload[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("payload field %s is missing", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payload field %s: %w", key, err)
	}
	return id, nil
}

// payloadInt64 tolerates the numeric types a jsonb round trip produces.
func payloadInt64(payload map[string]any, key string) (int64, error) {
	switch v := payload[key].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("payload field %s is not a number", key)
	}
}
