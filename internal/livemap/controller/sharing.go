package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/livemap/internal/livemap/domain"
)

// ShareCurrentLocation acquires the position once and publishes it to the
// friend channel when the acquisition succeeds. The publish itself is not
// awaited. Without permission or identity it does nothing and returns nil.
func (c *Controller) ShareCurrentLocation(ctx context.Context) domain.LocationResult {
	if !c.deps.Location.HasLocationPermission() {
		return nil
	}
	userID, ok := c.deps.Identity.CurrentUserID()
	if !ok {
		return nil
	}
	res := c.deps.Location.CurrentLocation(ctx)
	success, ok := res.(domain.Success)
	if !ok {
		c.logger.Debug("share skipped", zap.String("result", domain.ResultLabel(res)))
		return res
	}

	c.shareMu.Lock()
	defer c.shareMu.Unlock()
	if c.ctx.Err() != nil {
		return res
	}
	c.background(func() { c.publish(userID, success.Position) })
	return res
}

// StartLocationSharing publishes every position from the location update
// stream until StopSharingLocation or Close. It reports whether a sharing loop
// is running afterwards.
func (c *Controller) StartLocationSharing() bool {
	if !c.deps.Location.HasLocationPermission() {
		return false
	}
	userID, ok := c.deps.Identity.CurrentUserID()
	if !ok {
		return false
	}

	c.shareMu.Lock()
	defer c.shareMu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	if c.shareCancel != nil {
		return true
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.shareCancel = cancel
	c.background(func() {
		for pos := range c.deps.Location.LocationUpdates(ctx) {
			c.publish(userID, pos)
		}
	})
	c.logger.Info("location sharing started", zap.String("user_id", userID))
	return true
}

// StopSharingLocation stops the sharing loop and removes the published
// position. It is safe to call when sharing never started.
func (c *Controller) StopSharingLocation(ctx context.Context) {
	c.stopSharingLoop()
	userID, ok := c.deps.Identity.CurrentUserID()
	if !ok {
		return
	}
	if err := c.deps.Channel.RemoveUserLocation(ctx, userID); err != nil {
		c.logger.Warn("remove shared location", zap.String("user_id", userID), zap.Error(err))
	}
}

// Sharing reports whether the sharing loop runs.
func (c *Controller) Sharing() bool {
	c.shareMu.Lock()
	defer c.shareMu.Unlock()
	return c.shareCancel != nil
}

func (c *Controller) stopSharingLoop() {
	c.shareMu.Lock()
	defer c.shareMu.Unlock()
	if c.shareCancel != nil {
		c.shareCancel()
		c.shareCancel = nil
	}
}

func (c *Controller) publish(userID string, pos domain.Position) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.opts.PublishTimeout)
	defer cancel()
	if err := c.deps.Channel.UpdateUserLocation(ctx, userID, pos.Latitude, pos.Longitude); err != nil {
		sharePublishTotal.WithLabelValues("error").Inc()
		c.logger.Warn("publish own location", zap.String("user_id", userID), zap.Error(err))
		return
	}
	sharePublishTotal.WithLabelValues("ok").Inc()
}
