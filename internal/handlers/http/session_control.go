package http

import (
	"context"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/services"
	apperrors "meshvoice/pkg/errors"
)

// SessionControl is the local participant's view of the coordinator.
type SessionControl interface {
	Join(ctx context.Context, sessionID domain.SessionID, identity domain.Identity, settings domain.AudioSettings) error
	Leave(ctx context.Context) error
	Status(ctx context.Context) (services.Status, error)

	SetMuted(ctx context.Context, muted bool) error
	SetDeafened(ctx context.Context, deafened bool) error
	StartScreenShare(ctx context.Context) error
	StopShare(ctx context.Context) error

	SetInputVolume(ctx context.Context, volume float64) error
	SetOutputVolume(ctx context.Context, volume float64) error
	SetPeerVolume(ctx context.Context, id domain.ParticipantID, volume float64) error
	SetOutputDevice(ctx context.Context, deviceID string) error
	UpdateSettings(ctx context.Context, settings domain.AudioSettings) error
}

// CoordinatorControl routes controls to the coordinator's current session.
type CoordinatorControl struct {
	coordinator *services.Coordinator
}

var _ SessionControl = (*CoordinatorControl)(nil)

func NewCoordinatorControl(coordinator *services.Coordinator) *CoordinatorControl {
	return &CoordinatorControl{coordinator: coordinator}
}

func (c *CoordinatorControl) session() (*services.Session, error) {
	s := c.coordinator.Current()
	if s == nil {
		return nil, apperrors.NewNotJoinedError().WithCause(domain.ErrNotJoined)
	}
	return s, nil
}

func (c *CoordinatorControl) Join(ctx context.Context, sessionID domain.SessionID, identity domain.Identity, settings domain.AudioSettings) error {
	_, err := c.coordinator.JoinSession(ctx, sessionID, identity, settings)
	return err
}

func (c *CoordinatorControl) Leave(ctx context.Context) error {
	return c.coordinator.Leave(ctx)
}

func (c *CoordinatorControl) Status(ctx context.Context) (services.Status, error) {
	s, err := c.session()
	if err != nil {
		return services.Status{}, err
	}
	return s.Status(ctx)
}

func (c *CoordinatorControl) SetMuted(ctx context.Context, muted bool) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.SetMuted(ctx, muted)
}

func (c *CoordinatorControl) SetDeafened(ctx context.Context, deafened bool) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.SetDeafened(ctx, deafened)
}

func (c *CoordinatorControl) StartScreenShare(ctx context.Context) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.StartScreenShare(ctx)
}

func (c *CoordinatorControl) StopShare(ctx context.Context) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.StopShare(ctx)
}

func (c *CoordinatorControl) SetInputVolume(ctx context.Context, volume float64) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.SetInputVolume(ctx, volume)
}

func (c *CoordinatorControl) SetOutputVolume(ctx context.Context, volume float64) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.SetOutputVolume(ctx, volume)
}

func (c *CoordinatorControl) SetPeerVolume(ctx context.Context, id domain.ParticipantID, volume float64) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.SetPeerVolume(ctx, id, volume)
}

func (c *CoordinatorControl) SetOutputDevice(ctx context.Context, deviceID string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.SetOutputDevice(ctx, deviceID)
}

func (c *CoordinatorControl) UpdateSettings(ctx context.Context, settings domain.AudioSettings) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.UpdateSettings(ctx, settings)
}
