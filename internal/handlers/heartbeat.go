package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/store"
)

// HandleHeartbeat records participant liveness. The participant id rides in
// the channel name ("coord/heartbeat/<id>").
func (c *Coordinator) HandleHeartbeat(ctx context.Context, channelName string, env *message.Envelope) error {
	id := strings.TrimPrefix(channelName, "coord/heartbeat/")
	if id == channelName || id == "" {
		id = senderID(env)
	}
	if id == "" {
		return nil
	}
	if err := c.store.TouchVolunteer(ctx, id, c.now()); err != nil {
		c.log.Warn("heartbeat record failed", "participant_id", id, "error", err)
	}
	if status := dataString(env.Data, "status"); status != "" {
		if err := c.store.SetVolunteerStatus(ctx, id, status); err != nil {
			c.log.Warn("heartbeat status update failed", "participant_id", id, "error", err)
		}
	}
	return nil
}

// HandleEmergency takes a participant out of rotation immediately. Running
// tasks on an offline volunteer are failed and rescheduled.
func (c *Coordinator) HandleEmergency(ctx context.Context, _ string, env *message.Envelope) error {
	id := senderID(env)
	reason := dataString(env.Data, "reason")
	c.log.Warn("emergency received", "participant_id", id, "reason", reason, "request_id", env.RequestID)
	if id == "" {
		return nil
	}
	if err := c.store.SetVolunteerStatus(ctx, id, store.VolunteerOffline); err != nil {
		c.log.Warn("offline transition failed", "participant_id", id, "error", err)
	}
	return nil
}

// HandleVolunteerResources updates a volunteer's declared capacity and puts
// it back in the available pool.
func (c *Coordinator) HandleVolunteerResources(ctx context.Context, _ string, env *message.Envelope) error {
	id := senderID(env)
	if id == "" {
		return nil
	}
	res := resourcesFrom(env.Data)
	if err := c.store.SetVolunteerResources(ctx, id, res); err != nil {
		return fmt.Errorf("update resources: %w", err)
	}
	if err := c.store.SetVolunteerStatus(ctx, id, store.VolunteerAvailable); err != nil {
		c.log.Warn("status update failed", "volunteer_id", id, "error", err)
	}
	c.publishAvailable(ctx)
	return nil
}
