// Package analytics builds the tracker upload events are sent to.
package analytics

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	DeploymentIDEnvKey = "STARS_DEPLOYMENT_ID"
	DeploymentID       = "deployment_id"
	HostnameEnvKey     = "HOSTNAME"
	Hostname           = "hostname"
)

// NewUploadTracker tags every event with the deployment the gateway runs in.
func NewUploadTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	deploymentID := repository.Get(DeploymentIDEnvKey)
	if deploymentID == "" {
		return nil, fmt.Errorf("no deployment ID found")
	}
	properties := analytics.Properties{DeploymentID: deploymentID}
	if hostname := repository.Get(HostnameEnvKey); hostname != "" {
		properties[Hostname] = hostname
	}
	return trackerFactory(logger, properties), nil
}

func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) (analytics.Tracker, error) {
	return NewUploadTracker(repository, logger, analytics.NewDefaultTracker)
}
