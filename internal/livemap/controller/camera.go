package controller

import (
	"context"

	"github.com/example/livemap/internal/livemap/domain"
)

// AnimateToTarget flies the camera to point. Zoom 0 selects the default zoom.
func (c *Controller) AnimateToTarget(point domain.Point, zoom float64) {
	if c.deps.Camera == nil {
		return
	}
	cam := c.opts.Map.Camera
	if zoom == 0 {
		zoom = cam.DefaultZoom
	}
	c.deps.Camera.FlyTo(point, domain.CameraOptions{
		Duration: cam.AnimationDuration,
		Zoom:     zoom,
		Bearing:  cam.Bearing,
		Pitch:    cam.Pitch,
	})
}

// AnimateToUserLocation flies to the current target and clears the pending
// animation flag in the same loop turn. Without a target nothing is issued.
// It reports whether a fly-to was issued.
func (c *Controller) AnimateToUserLocation(ctx context.Context) (bool, error) {
	issued := false
	err := c.exec(ctx, func() {
		s := c.State()
		if s.TargetLocation == nil {
			return
		}
		if c.deps.Camera != nil {
			cam := c.opts.Map.Camera
			zoom := s.TargetZoom
			if zoom == 0 {
				zoom = cam.LocateZoom
			}
			c.deps.Camera.FlyTo(*s.TargetLocation, domain.CameraOptions{
				Duration: cam.LocateDuration,
				Zoom:     zoom,
				Bearing:  cam.Bearing,
				Pitch:    cam.Pitch,
			})
			issued = true
		}
		c.apply(ClearLocationAnimation{})
	})
	return issued, err
}
