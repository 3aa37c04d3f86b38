package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	"github.com/smallbiznis/srmgate/internal/enrollment/domain"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultStaleAfter = 10 * time.Minute
	recoverBatch      = 100
)

func staleAfter(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultStaleAfter
	}
	return d
}

// StaleAfter is the age after which a submitted request is considered lost.
func (s *Service) StaleAfter() time.Duration {
	return s.staleAfter
}

// RecoverStale abandons submitted requests older than the stale cutoff. When
// such a request is the profile's latest one and the profile is still
// pending or annulling, the profile goes back to where it started so that
// Enroll and Annul are accepted again. Only a crashed or killed process
// leaves a profile there past the cutoff.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.staleAfter)
	stale, err := s.repo.ListSubmittedBefore(ctx, s.db, cutoff, recoverBatch)
	if err != nil {
		return 0, err
	}

	var errs error
	recovered := 0
	for _, request := range stale {
		if request == nil {
			continue
		}
		if err := s.abandon(ctx, request, cutoff, now); err != nil {
			errs = errors.Join(errs, fmt.Errorf("request %s: %w", request.ID, err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.log.Warn("enrollment.recovered_stale",
			zap.Int("requests", recovered),
			zap.Duration("stale_after", s.staleAfter),
		)
	}
	return recovered, errs
}

func (s *Service) abandon(ctx context.Context, request *domain.Request, cutoff, now time.Time) error {
	var from, to devicedomain.State
	var profile *devicedomain.Profile

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.deviceRepo.FindByID(ctx, tx, request.ProfileID)
		if err != nil {
			return err
		}
		latest, err := s.isLatest(ctx, tx, request)
		if err != nil {
			return err
		}
		if current != nil && latest {
			from, to = revertTarget(current, request.Operation)
			if from != "" {
				if _, err := s.deviceRepo.CompareAndSetState(ctx, tx, current.ID, from, to); err != nil {
					return err
				}
				current.EnrollmentState = to
				profile = current
			}
		}

		request.Status = domain.StatusAbandoned
		request.CompletedAt = &now
		if request.LastError == "" {
			request.LastError = fmt.Sprintf("no regulator outcome recorded before %s", cutoff.UTC().Format(time.RFC3339))
		}
		return s.repo.Save(ctx, tx, request)
	})
	if err != nil {
		return err
	}

	if profile != nil {
		s.metrics.RecordEnrollmentTransition(ctx, string(from), string(to))
		s.logFor(ctx, profile).Warn("enrollment.transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("request_id", request.ID.String()),
			zap.String("reason", "stale"),
		)
	}
	return nil
}

// revertTarget is the state a profile left when the operation was opened.
// It returns empty states when the profile has already moved on.
func revertTarget(profile *devicedomain.Profile, operation string) (from, to devicedomain.State) {
	switch {
	case operation == regulator.OperationAdd && profile.EnrollmentState == devicedomain.StatePending:
		if profile.AnnulledAt != nil {
			return devicedomain.StatePending, devicedomain.StateAnnulled
		}
		return devicedomain.StatePending, devicedomain.StateUnenrolled
	case operation == regulator.OperationAnnul && profile.EnrollmentState == devicedomain.StateAnnulling:
		return devicedomain.StateAnnulling, devicedomain.StateEnrolled
	}
	return "", ""
}

func (s *Service) isLatest(ctx context.Context, tx *gorm.DB, request *domain.Request) (bool, error) {
	requests, err := s.repo.ListByProfile(ctx, tx, request.ProfileID)
	if err != nil {
		return false, err
	}
	if len(requests) == 0 {
		return false, nil
	}
	last := requests[len(requests)-1]
	return last != nil && last.ID == request.ID, nil
}
