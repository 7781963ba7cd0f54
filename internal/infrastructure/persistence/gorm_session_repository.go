package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promptwire/promptwire/internal/domain/entity"
	"github.com/promptwire/promptwire/internal/domain/repository"
	"github.com/promptwire/promptwire/internal/infrastructure/persistence/models"
)

// GormSessionRepository keeps live sessions in memory and writes state
// snapshots and new history rows through to the database, so sessions
// survive a restart.
type GormSessionRepository struct {
	db     *gorm.DB
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*entity.Session
	// written tracks how many history entries are already persisted per
	// session, so Save only inserts the delta.
	written map[string]int
}

var _ repository.SessionRepository = (*GormSessionRepository)(nil)

func NewGormSessionRepository(db *gorm.DB, logger *zap.Logger) *GormSessionRepository {
	return &GormSessionRepository{
		db:      db,
		logger:  logger.With(zap.String("component", "session_store")),
		cache:   make(map[string]*entity.Session),
		written: make(map[string]int),
	}
}

func (r *GormSessionRepository) GetOrCreate(ctx context.Context, id string) (*entity.Session, error) {
	if id == "" {
		return nil, entity.ErrInvalidSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.cache[id]; ok {
		s.Touch()
		return s, nil
	}

	s, err := r.load(ctx, id)
	if errors.Is(err, entity.ErrSessionNotFound) {
		s, err = entity.NewSession(id)
	}
	if err != nil {
		return nil, err
	}
	r.cache[id] = s
	r.written[id] = len(s.History())
	return s, nil
}

func (r *GormSessionRepository) Find(ctx context.Context, id string) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.cache[id]; ok {
		return s, nil
	}
	s, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache[id] = s
	r.written[id] = len(s.History())
	return s, nil
}

// load rebuilds a session from its row and history.
func (r *GormSessionRepository) load(ctx context.Context, id string) (*entity.Session, error) {
	var row models.SessionModel
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, entity.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	state, err := DecodeState(row.State)
	if err != nil {
		// A corrupt snapshot resets the session rather than wedging it.
		r.logger.Warn("stored session state unreadable, resetting",
			zap.String("session_id", id), zap.Error(err))
		state, _ = DecodeState("")
	}

	var rows []models.InteractionModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load session history %s: %w", id, err)
	}
	history := make([]entity.SessionInteraction, 0, len(rows))
	for _, m := range rows {
		history = append(history, interactionFromModel(m))
	}

	return entity.ReconstructSession(id, state, history, row.Agent, row.CreatedAt, row.LastActiveAt), nil
}

func (r *GormSessionRepository) Save(ctx context.Context, session *entity.Session) error {
	encoded, err := EncodeState(session.State())
	if err != nil {
		return err
	}
	row := models.SessionModel{
		ID:           session.ID(),
		Agent:        session.Agent(),
		State:        encoded,
		CreatedAt:    session.CreatedAt(),
		LastActiveAt: session.LastActiveAt(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("save session %s: %w", session.ID(), err)
	}

	history := session.History()
	from := r.written[session.ID()]
	if from > len(history) {
		// The in-memory ring evicted entries; older rows are already stored.
		from = len(history)
	}
	for _, it := range history[from:] {
		m := interactionToModel(session.ID(), it)
		if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
			return fmt.Errorf("save session history %s: %w", session.ID(), err)
		}
	}
	r.written[session.ID()] = len(history)
	r.cache[session.ID()] = session
	return nil
}

func (r *GormSessionRepository) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, cached := r.cache[id]
	delete(r.cache, id)
	delete(r.written, id)

	res := r.db.WithContext(ctx).Delete(&models.SessionModel{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("delete session %s: %w", id, res.Error)
	}
	if err := r.db.WithContext(ctx).
		Delete(&models.InteractionModel{}, "session_id = ?", id).Error; err != nil {
		return false, fmt.Errorf("delete session history %s: %w", id, err)
	}
	return cached || res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.SessionModel{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func interactionToModel(sessionID string, it entity.SessionInteraction) models.InteractionModel {
	params := ""
	if len(it.Parameters) > 0 {
		if b, err := json.Marshal(it.Parameters); err == nil {
			params = string(b)
		}
	}
	total := 0
	if it.Usage != nil {
		total = it.Usage["total_tokens"]
	}
	return models.InteractionModel{
		SessionID:   sessionID,
		Prompt:      it.Prompt,
		Handler:     it.Handler,
		Backend:     it.Backend,
		Model:       it.Model,
		Project:     it.Project,
		Params:      params,
		Response:    it.Response,
		TotalTokens: total,
		Timestamp:   it.Timestamp,
	}
}

func interactionFromModel(m models.InteractionModel) entity.SessionInteraction {
	it := entity.SessionInteraction{
		Prompt:    m.Prompt,
		Handler:   m.Handler,
		Backend:   m.Backend,
		Model:     m.Model,
		Project:   m.Project,
		Response:  m.Response,
		Timestamp: m.Timestamp,
	}
	if m.Params != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(m.Params), &params); err == nil {
			it.Parameters = params
		}
	}
	if m.TotalTokens > 0 {
		it.Usage = map[string]int{"total_tokens": m.TotalTokens}
	}
	return it
}
