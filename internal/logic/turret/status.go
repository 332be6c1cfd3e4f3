package turret

import (
	"image"

	"github.com/cjeanneret/trackhead/internal/hw/transport"
	"github.com/cjeanneret/trackhead/internal/logic/authority"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
)

// TargetInfo describes the last lock used by the tracking loop.
type TargetInfo struct {
	Aim        image.Point `json:"aim"`
	TrackID    int         `json:"track_id"`
	Confidence float64     `json:"confidence"`
	ErrorX     float64     `json:"error_x"` // normalized, [-1, 1] inside the frame
	ErrorY     float64     `json:"error_y"`
	YawDeg     *float64    `json:"yaw_offset_deg,omitempty"` // set when the camera FOV is known
	PitchDeg   *float64    `json:"pitch_offset_deg,omitempty"`
	UsedLead   bool        `json:"used_lead"`
}

// Status is a read-only snapshot for operators.
type Status struct {
	Session       string               `json:"session"`
	Running       bool                 `json:"running"`
	Authority     authority.State      `json:"authority"`
	Output        motion.ControlOutput `json:"output"`
	TransportKind transport.Kind       `json:"transport_kind"`
	Transport     transport.Health     `json:"transport"`
	Target        *TargetInfo          `json:"target,omitempty"`
	Cycles        uint64               `json:"cycles"`
	SendFailures  uint64               `json:"send_failures"`
	Dropped       uint64               `json:"dropped"`
}

// Status never mutates controller or supervisor state and does not wait
// for a cycle in progress.
func (c *Controller) Status() Status {
	auth := c.sup.Snapshot()

	c.statusMu.Lock()
	var target *TargetInfo
	if c.lastTarget != nil {
		t := *c.lastTarget
		target = &t
	}
	c.statusMu.Unlock()

	return Status{
		Session:       c.session,
		Running:       c.Running(),
		Authority:     auth,
		Output:        auth.LastOutput,
		TransportKind: c.transport.Kind(),
		Transport:     c.transport.Health(),
		Target:        target,
		Cycles:        c.cycles.Load(),
		SendFailures:  c.sendFailures.Load(),
		Dropped:       c.dropped.Load(),
	}
}

func (c *Controller) recordTarget(lock *motion.TargetLock, aim image.Point, ex, ey float64) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if lock == nil {
		c.lastTarget = nil
		return
	}
	info := &TargetInfo{
		Aim:        aim,
		TrackID:    lock.TrackID,
		Confidence: lock.Confidence,
		ErrorX:     ex,
		ErrorY:     ey,
		UsedLead:   c.cfg.PreferLeadPoint && lock.Lead != nil,
	}
	if c.fov != nil {
		yaw, pitch := c.fov.AngularOffset(ex, ey)
		info.YawDeg, info.PitchDeg = &yaw, &pitch
	}
	c.lastTarget = info
}
