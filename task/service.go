package task

import (
	"context"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/taskdeck/events"
	"github.com/GoCodeAlone/taskdeck/internal/apperr"
)

// CreateInput are the fields a caller may supply when creating a task.
type CreateInput struct {
	Name        string `json:"name"`
	Text        string `json:"text"`
	IsCompleted bool   `json:"isCompleted"`
}

// Service is the authenticated access layer in front of a Store. Every
// operation resolves the caller through Identity first; ownership checks
// compare the stored owner against that subject.
type Service struct {
	store    Store
	identity Identity
	bus      events.Bus
	logger   *slog.Logger
}

// NewService creates an access service over store.
func NewService(store Store, identity Identity) *Service {
	return &Service{store: store, identity: identity, logger: slog.Default()}
}

// SetBus attaches the bus Watch subscribes to.
func (s *Service) SetBus(bus events.Bus) { s.bus = bus }

// SetLogger replaces the service logger.
func (s *Service) SetLogger(l *slog.Logger) { s.logger = l }

func (s *Service) subject(ctx context.Context, op string) (string, error) {
	sub, ok := s.identity.Subject(ctx)
	if !ok || sub == "" {
		return "", apperr.New(apperr.KindUnauthenticated, op, "Unauthenticated")
	}
	return sub, nil
}

// ListMine returns every task owned by the caller.
func (s *Service) ListMine(ctx context.Context) ([]*Task, error) {
	sub, err := s.subject(ctx, "task.list")
	if err != nil {
		return nil, err
	}
	return s.store.QueryByOwner(ctx, sub)
}

// GetByID returns the caller's task, or (nil, nil) when the id does not
// exist. A task owned by someone else is Forbidden.
func (s *Service) GetByID(ctx context.Context, id string) (*Task, error) {
	sub, err := s.subject(ctx, "task.get")
	if err != nil {
		return nil, err
	}
	t, err := s.store.Get(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	if t.OwnerID != sub {
		return nil, apperr.New(apperr.KindForbidden, "task.get", "Forbidden")
	}
	return t, nil
}

// Create inserts a task owned by the caller and returns its id.
func (s *Service) Create(ctx context.Context, in CreateInput) (string, error) {
	sub, err := s.subject(ctx, "task.create")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Name) == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "task.create", "name is required")
	}
	if strings.TrimSpace(in.Text) == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "task.create", "text is required")
	}
	id, err := s.store.Insert(ctx, NewTask{
		Name:        in.Name,
		Text:        in.Text,
		IsCompleted: in.IsCompleted,
		OwnerID:     sub,
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("task created", "id", id, "owner", sub)
	return id, nil
}

// Update applies p to the caller's task. Ownership is checked before the
// patch fields are validated.
func (s *Service) Update(ctx context.Context, id string, p Patch) error {
	sub, err := s.subject(ctx, "task.update")
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, "task.update", id, sub); err != nil {
		return err
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return apperr.New(apperr.KindInvalidArgument, "task.update", "name must not be empty")
	}
	if p.Text != nil && strings.TrimSpace(*p.Text) == "" {
		return apperr.New(apperr.KindInvalidArgument, "task.update", "text must not be empty")
	}
	return s.store.Patch(ctx, id, p)
}

// Remove deletes the caller's task.
func (s *Service) Remove(ctx context.Context, id string) error {
	sub, err := s.subject(ctx, "task.remove")
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, "task.remove", id, sub); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Debug("task removed", "id", id, "owner", sub)
	return nil
}

// authorize confirms id exists and belongs to sub.
func (s *Service) authorize(ctx context.Context, op, id, sub string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.New(apperr.KindNotFound, op, "Task not found")
	}
	if t.OwnerID != sub {
		return apperr.New(apperr.KindForbidden, op, "Forbidden")
	}
	return nil
}

// Watch streams the caller's task list: the current list immediately, then
// a fresh list after every committed change to the caller's tasks. Bursts of
// changes are coalesced into a single reload. The channel is closed when ctx
// is done or a reload fails.
func (s *Service) Watch(ctx context.Context) (<-chan []*Task, error) {
	sub, err := s.subject(ctx, "task.watch")
	if err != nil {
		return nil, err
	}
	if s.bus == nil {
		return nil, apperr.New(apperr.KindInternal, "task.watch", "live updates are not enabled")
	}

	changed := make(chan struct{}, 1)
	unsubscribe := s.bus.Subscribe(sub, func(_ context.Context, _ events.Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	out := make(chan []*Task)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			list, err := s.store.QueryByOwner(ctx, sub)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("watch reload failed", "owner", sub, slog.Any("err", err))
				}
				return
			}
			select {
			case out <- list:
			case <-ctx.Done():
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
