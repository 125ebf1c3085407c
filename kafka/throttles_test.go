package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestJoinEntries(t *testing.T) {
	tt := []struct {
		TestName string
		Entries  []string
		Expected string
	}{
		{"no entries", nil, ""},
		{"single entry", []string{"0:1"}, "0:1"},
		{"multiple entries", []string{"0:1", "0:2", "3:1"}, "0:1,0:2,3:1"},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			assert.Equal(t, test.Expected, joinEntries(test.Entries))
		})
	}
}

func TestThrottledReplicasResource(t *testing.T) {
	resource := throttledReplicasResource("payments",
		[]string{"0:1", "1:1"},
		[]string{"0:2"},
		kmsg.IncrementalAlterConfigOpAppend)

	assert.Equal(t, kmsg.ConfigResourceTypeTopic, resource.ResourceType)
	assert.Equal(t, "payments", resource.ResourceName)
	require.Len(t, resource.Configs, 2)

	assert.Equal(t, leaderThrottledReplicasConfig, resource.Configs[0].Name)
	require.NotNil(t, resource.Configs[0].Value)
	assert.Equal(t, "0:1,1:1", *resource.Configs[0].Value)

	assert.Equal(t, followerThrottledReplicasConfig, resource.Configs[1].Name)
	require.NotNil(t, resource.Configs[1].Value)
	assert.Equal(t, "0:2", *resource.Configs[1].Value)
}

func TestThrottledReplicasResourceOmitsEmptyLists(t *testing.T) {
	resource := throttledReplicasResource("payments", nil, []string{"0:2"}, kmsg.IncrementalAlterConfigOpSubtract)

	require.Len(t, resource.Configs, 1)
	assert.Equal(t, followerThrottledReplicasConfig, resource.Configs[0].Name)
	assert.Equal(t, kmsg.IncrementalAlterConfigOpSubtract, resource.Configs[0].Op)
}
