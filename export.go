package habitkit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExportVersion is the current export envelope format version.
const ExportVersion = "1.0"

// ExportEnvelope is the flat JSON backup format: a top-level version string
// and a data object holding the full entity set for one user.
type ExportEnvelope struct {
	UserID     string    `json:"userId"`
	ExportDate time.Time `json:"exportDate"`
	Version    string    `json:"version"`
	Data       UserData  `json:"data"`
}

// ExportUserData gathers every entity for a user into an export envelope.
// Reads go through the normal offline-resilient path, so an export taken
// offline snapshots the local cache.
func (s *SyncService) ExportUserData(ctx context.Context, userID string) (*ExportEnvelope, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	env := &ExportEnvelope{
		UserID:     userID,
		ExportDate: time.Now().UTC(),
		Version:    ExportVersion,
	}

	var err error
	if env.Data.Character, err = s.Character(ctx, userID); err != nil {
		return nil, err
	}
	if env.Data.Habits, err = s.Habits(ctx, userID); err != nil {
		return nil, err
	}
	if env.Data.Achievements, err = s.Achievements(ctx, userID); err != nil {
		return nil, err
	}
	if env.Data.Bonuses, err = s.Bonuses(ctx, userID); err != nil {
		return nil, err
	}
	if env.Data.Coins, err = s.Coins(ctx, userID); err != nil {
		return nil, err
	}
	if env.Data.DailyRecords, err = s.allDailyRecords(ctx, userID); err != nil {
		return nil, err
	}
	return env, nil
}

// ImportUserData restores a backup: one batch write of the whole-user
// entities followed by per-record daily-record writes. Daily records are
// normalized so the derived perfectDay flag is consistent with the
// imported counts regardless of what the envelope claimed.
func (s *SyncService) ImportUserData(ctx context.Context, userID string, env *ExportEnvelope) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("import: nil envelope")
	}
	if env.Version != ExportVersion {
		return fmt.Errorf("%w: %q", ErrImportVersion, env.Version)
	}

	data := env.Data
	records := data.DailyRecords
	data.DailyRecords = nil

	if err := s.SaveAll(ctx, userID, data); err != nil {
		return err
	}
	for _, record := range records {
		if record.Date == "" {
			continue
		}
		if err := s.SaveDailyRecord(ctx, userID, record); err != nil {
			return err
		}
	}
	return nil
}

// EncodeExport serializes an envelope to JSON.
func EncodeExport(env *ExportEnvelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("encode export: nil envelope")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return data, nil
}

// DecodeExport parses a JSON envelope and checks its format version.
func DecodeExport(data []byte) (*ExportEnvelope, error) {
	var env ExportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	if env.Version != ExportVersion {
		return nil, fmt.Errorf("%w: %q", ErrImportVersion, env.Version)
	}
	return &env, nil
}

// allDailyRecords returns the user's full daily record history, remote
// first with unlimited query, local scan as fallback.
func (s *SyncService) allDailyRecords(ctx context.Context, userID string) ([]DailyRecord, error) {
	primary := func(ctx context.Context) ([]DailyRecord, error) {
		docs, err := s.remote.QueryDocuments(ctx, collDailyRecords,
			[]Predicate{{Field: "userId", Op: "==", Value: userID}},
			&OrderBy{Field: "date", Descending: true}, 0)
		if err != nil {
			return nil, err
		}
		records := make([]DailyRecord, 0, len(docs))
		for _, doc := range docs {
			r, err := decodeDocument[DailyRecord](doc)
			if err != nil {
				return nil, err
			}
			records = append(records, *r)
		}
		return records, nil
	}
	fallback := func() ([]DailyRecord, error) {
		return s.localDailyRecords(userID, 0)
	}
	return runWithOfflineFallback(s, ctx, SyncOpRead, bindDailyRecord, userID, primary, fallback, nil)
}
