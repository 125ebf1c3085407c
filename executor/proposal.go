package executor

import (
	"fmt"
	"sort"

	"github.com/cloudhut/kbalance/kafka"
)

// ReplicaPlacement pins one replica of a partition to a broker and,
// optionally, to a log directory on that broker. An empty LogDir means the
// directory is unknown or irrelevant.
type ReplicaPlacement struct {
	BrokerID int32
	LogDir   string
}

// DiskMove describes one replica changing its log directory on a single broker.
type DiskMove struct {
	SourceDir string
	TargetDir string
}

// ExecutionProposal describes the desired end state for one partition: its
// target replica set (ordered, first entry is the preferred leader) and the
// target disk placement of each replica.
type ExecutionProposal struct {
	TopicPartition kafka.TopicPartition

	OldLeader   int32
	OldReplicas []ReplicaPlacement
	NewReplicas []ReplicaPlacement

	// PartitionSizeBytes is the approximate on-disk size of one replica. It is
	// only used for data movement bookkeeping.
	PartitionSizeBytes int64
}

// NewLeader returns the preferred leader of the target replica set.
func (p *ExecutionProposal) NewLeader() int32 {
	return p.NewReplicas[0].BrokerID
}

func (p *ExecutionProposal) OldReplicaBrokers() []int32 {
	return placementBrokers(p.OldReplicas)
}

func (p *ExecutionProposal) NewReplicaBrokers() []int32 {
	return placementBrokers(p.NewReplicas)
}

// ReplicasToAdd returns brokers present in the target replica set but not in
// the current one.
func (p *ExecutionProposal) ReplicasToAdd() []int32 {
	return brokerSetDifference(p.NewReplicas, p.OldReplicas)
}

// ReplicasToRemove returns brokers present in the current replica set but not
// in the target one.
func (p *ExecutionProposal) ReplicasToRemove() []int32 {
	return brokerSetDifference(p.OldReplicas, p.NewReplicas)
}

// HasReplicaAction reports whether the proposal changes the partition's
// replica list, either its broker set or just the order. Order changes still
// need a reassignment, the preferred leader is the first replica.
func (p *ExecutionProposal) HasReplicaAction() bool {
	if len(p.OldReplicas) != len(p.NewReplicas) {
		return true
	}
	for i := range p.NewReplicas {
		if p.OldReplicas[i].BrokerID != p.NewReplicas[i].BrokerID {
			return true
		}
	}
	return false
}

// HasLeaderAction reports whether the preferred leader differs from the
// current leader.
func (p *ExecutionProposal) HasLeaderAction() bool {
	return p.OldLeader != p.NewLeader()
}

// DiskMovesByBroker returns, per broker, the disk move the proposal asks for.
// A broker appears iff it keeps its replica but the target log directory
// differs from the current one.
func (p *ExecutionProposal) DiskMovesByBroker() map[int32]DiskMove {
	oldDirs := make(map[int32]string, len(p.OldReplicas))
	for _, placement := range p.OldReplicas {
		oldDirs[placement.BrokerID] = placement.LogDir
	}

	moves := make(map[int32]DiskMove)
	for _, placement := range p.NewReplicas {
		sourceDir, keptReplica := oldDirs[placement.BrokerID]
		if !keptReplica || placement.LogDir == "" || placement.LogDir == sourceDir {
			continue
		}
		moves[placement.BrokerID] = DiskMove{SourceDir: sourceDir, TargetDir: placement.LogDir}
	}

	return moves
}

// Validate checks the structural invariants of the proposal.
func (p *ExecutionProposal) Validate() error {
	if p.TopicPartition.Topic == "" {
		return fmt.Errorf("proposal has no topic")
	}
	if len(p.NewReplicas) == 0 {
		return fmt.Errorf("proposal for %q has an empty target replica set", p.TopicPartition)
	}
	if hasDuplicateBroker(p.NewReplicas) {
		return fmt.Errorf("proposal for %q has duplicate brokers in the target replica set", p.TopicPartition)
	}
	if hasDuplicateBroker(p.OldReplicas) {
		return fmt.Errorf("proposal for %q has duplicate brokers in the current replica set", p.TopicPartition)
	}
	if len(p.OldReplicas) > 0 {
		oldLeaderFound := false
		for _, placement := range p.OldReplicas {
			if placement.BrokerID == p.OldLeader {
				oldLeaderFound = true
				break
			}
		}
		if !oldLeaderFound {
			return fmt.Errorf("proposal for %q names old leader %d outside the current replica set",
				p.TopicPartition, p.OldLeader)
		}
	}
	return nil
}

func placementBrokers(placements []ReplicaPlacement) []int32 {
	brokers := make([]int32, len(placements))
	for i, placement := range placements {
		brokers[i] = placement.BrokerID
	}
	return brokers
}

func brokerSetDifference(a, b []ReplicaPlacement) []int32 {
	inB := make(map[int32]struct{}, len(b))
	for _, placement := range b {
		inB[placement.BrokerID] = struct{}{}
	}
	var diff []int32
	for _, placement := range a {
		if _, exists := inB[placement.BrokerID]; !exists {
			diff = append(diff, placement.BrokerID)
		}
	}
	sort.Slice(diff, func(i, j int) bool { return diff[i] < diff[j] })
	return diff
}

func hasDuplicateBroker(placements []ReplicaPlacement) bool {
	seen := make(map[int32]struct{}, len(placements))
	for _, placement := range placements {
		if _, exists := seen[placement.BrokerID]; exists {
			return true
		}
		seen[placement.BrokerID] = struct{}{}
	}
	return false
}
