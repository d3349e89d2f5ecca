package worker

import (
	"context"
	"fmt"

	"github.com/PortNumber53/partilha-pro/backend/internal/mail"
	"github.com/PortNumber53/partilha-pro/backend/internal/models"
)

// RegisterUpgradeJobs wires the handlers for side effects of a plan upgrade.
func RegisterUpgradeJobs(w *Worker, sender mail.Sender, appURL string) {
	w.RegisterHandler(models.JobTypeUpgradeEmail, upgradeEmailHandler(sender, appURL))
	w.logger.Info().Str("job_type", models.JobTypeUpgradeEmail).Msg("[worker] registered upgrade job handlers")
}

func upgradeEmailHandler(sender mail.Sender, appURL string) Handler {
	return func(ctx context.Context, job *models.Job) error {
		var p models.UpgradeEmailPayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		if p.Email == "" {
			return fmt.Errorf("job %d: payload has no email", job.ID)
		}

		msg, err := mail.UpgradeMessage(p.Email, p.Plan, appURL)
		if err != nil {
			return err
		}
		return sender.Send(ctx, msg)
	}
}
