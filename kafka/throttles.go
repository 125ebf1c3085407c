package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

const (
	leaderThrottledRateConfig       = "leader.replication.throttled.rate"
	followerThrottledRateConfig     = "follower.replication.throttled.rate"
	leaderThrottledReplicasConfig   = "leader.replication.throttled.replicas"
	followerThrottledReplicasConfig = "follower.replication.throttled.replicas"
)

// SetBrokerReplicationThrottleRate sets the leader and follower replication
// throttled rates on the given brokers.
func (a *AdminService) SetBrokerReplicationThrottleRate(ctx context.Context, brokerIDs []int32, rateBytesPerSec int64) error {
	rate := strconv.FormatInt(rateBytesPerSec, 10)
	req := kmsg.NewIncrementalAlterConfigsRequest()
	for _, brokerID := range brokerIDs {
		resource := kmsg.NewIncrementalAlterConfigsRequestResource()
		resource.ResourceType = kmsg.ConfigResourceTypeBroker
		resource.ResourceName = strconv.FormatInt(int64(brokerID), 10)
		for _, name := range []string{leaderThrottledRateConfig, followerThrottledRateConfig} {
			config := kmsg.NewIncrementalAlterConfigsRequestResourceConfig()
			config.Name = name
			config.Op = kmsg.IncrementalAlterConfigOpSet
			value := rate
			config.Value = &value
			resource.Configs = append(resource.Configs, config)
		}
		req.Resources = append(req.Resources, resource)
	}

	return a.alterConfigs(ctx, &req, "set broker replication throttle rate")
}

// RemoveBrokerReplicationThrottleRate deletes the replication throttled rates
// from the given brokers.
func (a *AdminService) RemoveBrokerReplicationThrottleRate(ctx context.Context, brokerIDs []int32) error {
	req := kmsg.NewIncrementalAlterConfigsRequest()
	for _, brokerID := range brokerIDs {
		resource := kmsg.NewIncrementalAlterConfigsRequestResource()
		resource.ResourceType = kmsg.ConfigResourceTypeBroker
		resource.ResourceName = strconv.FormatInt(int64(brokerID), 10)
		for _, name := range []string{leaderThrottledRateConfig, followerThrottledRateConfig} {
			config := kmsg.NewIncrementalAlterConfigsRequestResourceConfig()
			config.Name = name
			config.Op = kmsg.IncrementalAlterConfigOpDelete
			resource.Configs = append(resource.Configs, config)
		}
		req.Resources = append(req.Resources, resource)
	}

	return a.alterConfigs(ctx, &req, "remove broker replication throttle rate")
}

// AddTopicThrottledReplicas appends "partition:broker" entries to a topic's
// leader and follower throttled replica lists.
func (a *AdminService) AddTopicThrottledReplicas(ctx context.Context, topic string, leaderEntries, followerEntries []string) error {
	req := kmsg.NewIncrementalAlterConfigsRequest()
	req.Resources = append(req.Resources, throttledReplicasResource(topic, leaderEntries, followerEntries, kmsg.IncrementalAlterConfigOpAppend))
	return a.alterConfigs(ctx, &req, "add topic throttled replicas")
}

// RemoveTopicThrottledReplicas subtracts previously added "partition:broker"
// entries from a topic's throttled replica lists. Only the given entries are
// removed, entries set by an operator or another tool stay untouched.
func (a *AdminService) RemoveTopicThrottledReplicas(ctx context.Context, topic string, leaderEntries, followerEntries []string) error {
	req := kmsg.NewIncrementalAlterConfigsRequest()
	req.Resources = append(req.Resources, throttledReplicasResource(topic, leaderEntries, followerEntries, kmsg.IncrementalAlterConfigOpSubtract))
	return a.alterConfigs(ctx, &req, "remove topic throttled replicas")
}

func throttledReplicasResource(topic string, leaderEntries, followerEntries []string, op kmsg.IncrementalAlterConfigOp) kmsg.IncrementalAlterConfigsRequestResource {
	resource := kmsg.NewIncrementalAlterConfigsRequestResource()
	resource.ResourceType = kmsg.ConfigResourceTypeTopic
	resource.ResourceName = topic

	if len(leaderEntries) > 0 {
		config := kmsg.NewIncrementalAlterConfigsRequestResourceConfig()
		config.Name = leaderThrottledReplicasConfig
		config.Op = op
		value := joinEntries(leaderEntries)
		config.Value = &value
		resource.Configs = append(resource.Configs, config)
	}
	if len(followerEntries) > 0 {
		config := kmsg.NewIncrementalAlterConfigsRequestResourceConfig()
		config.Name = followerThrottledReplicasConfig
		config.Op = op
		value := joinEntries(followerEntries)
		config.Value = &value
		resource.Configs = append(resource.Configs, config)
	}

	return resource
}

func joinEntries(entries []string) string {
	joined := ""
	for i, entry := range entries {
		if i > 0 {
			joined += ","
		}
		joined += entry
	}
	return joined
}

func (a *AdminService) alterConfigs(ctx context.Context, req *kmsg.IncrementalAlterConfigsRequest, action string) error {
	res, err := req.RequestWith(ctx, a.svc.Client)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}

	for _, resource := range res.Resources {
		if err := kerr.ErrorForCode(resource.ErrorCode); err != nil {
			a.logger.Warn("incremental alter configs rejected for resource",
				zap.String("resource", resource.ResourceName),
				zap.String("action", action),
				zap.Error(err))
			return fmt.Errorf("failed to %s on resource %q. Inner kafka error: %w", action, resource.ResourceName, err)
		}
	}

	return nil
}
