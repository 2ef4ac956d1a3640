package bot

import (
	"context"
	"sort"
	"sync"
	"time"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// TpStateBackend - постоянное хранилище TpState (SQL, badger)
type TpStateBackend interface {
	Get(ctx context.Context, contract string) (*models.TpState, error)
	Upsert(ctx context.Context, st *models.TpState) error
	Delete(ctx context.Context, contract string) error
	List(ctx context.Context) ([]*models.TpState, error)
}

// NoopTpStateBackend - хранилище по умолчанию: ничего не сохраняет
type NoopTpStateBackend struct{}

func (NoopTpStateBackend) Get(context.Context, string) (*models.TpState, error) { return nil, nil }
func (NoopTpStateBackend) Upsert(context.Context, *models.TpState) error        { return nil }
func (NoopTpStateBackend) Delete(context.Context, string) error                 { return nil }
func (NoopTpStateBackend) List(context.Context) ([]*models.TpState, error)      { return nil, nil }

// TpStateStore - read-through кэш над TpStateBackend
//
// Состояние загружается лениво при первом чтении и дальше живёт в памяти.
// Запись best-effort: при ошибке хранилища кэш остаётся источником истины
// до следующей успешной записи. Удалённые ключи помечаются в кэше, чтобы
// не перечитывать их из хранилища.
type TpStateStore struct {
	backend TpStateBackend
	timeout time.Duration
	log     *utils.Logger

	mu    sync.RWMutex
	cache map[string]*models.TpState // nil значение = ключ удалён
}

// NewTpStateStore создаёт кэш; nil backend заменяется на no-op
func NewTpStateStore(backend TpStateBackend, timeout time.Duration, log *utils.Logger) *TpStateStore {
	if backend == nil {
		backend = NoopTpStateBackend{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = utils.NopLogger()
	}
	return &TpStateStore{
		backend: backend,
		timeout: timeout,
		log:     log.WithComponent("tp_store"),
		cache:   make(map[string]*models.TpState),
	}
}

// Get возвращает копию состояния контракта или nil, если его нет.
// Ошибка чтения хранилища возвращается: без состояния нельзя решать про TP1.
func (s *TpStateStore) Get(ctx context.Context, contract string) (*models.TpState, error) {
	s.mu.RLock()
	st, ok := s.cache[contract]
	s.mu.RUnlock()
	if ok {
		return st.Clone(), nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	loaded, err := s.backend.Get(rctx, contract)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// конкурентная запись могла опередить чтение
	if cur, ok := s.cache[contract]; ok {
		s.mu.Unlock()
		return cur.Clone(), nil
	}
	s.cache[contract] = loaded
	s.mu.Unlock()

	return loaded.Clone(), nil
}

// Put сохраняет состояние в кэш и хранилище
func (s *TpStateStore) Put(ctx context.Context, st *models.TpState) {
	if st == nil {
		return
	}
	c := st.Clone()
	c.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.cache[c.Contract] = c
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.Upsert(wctx, c.Clone()); err != nil {
		RecordPersistenceError("tp_state")
		s.log.Warn("tp state write failed", utils.Contract(c.Contract), utils.Err(err))
	}
}

// Delete удаляет состояние контракта
func (s *TpStateStore) Delete(ctx context.Context, contract string) {
	s.mu.Lock()
	s.cache[contract] = nil
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.Delete(wctx, contract); err != nil {
		RecordPersistenceError("tp_state")
		s.log.Warn("tp state delete failed", utils.Contract(contract), utils.Err(err))
	}
}

// Warm загружает все сохранённые состояния в кэш (при старте)
func (s *TpStateStore) Warm(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	list, err := s.backend.List(rctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range list {
		if _, ok := s.cache[st.Contract]; !ok {
			s.cache[st.Contract] = st
		}
	}
	return nil
}

// Snapshot возвращает копии всех известных состояний, по ключу
func (s *TpStateStore) Snapshot() []*models.TpState {
	s.mu.RLock()
	out := make([]*models.TpState, 0, len(s.cache))
	for _, st := range s.cache {
		if st != nil {
			out = append(out, st.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}
