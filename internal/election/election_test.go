package election

import (
	"context"
	"testing"
	"time"

	"subscription-scheduler/internal/config"

	"github.com/stretchr/testify/require"
	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testElectionConfig() config.ElectionConfig {
	return config.ElectionConfig{
		Enabled:       true,
		LeaseName:     "subscription-scheduler",
		LeaseDuration: time.Second,
		RenewDeadline: 500 * time.Millisecond,
		RetryPeriod:   100 * time.Millisecond,
	}
}

func TestElector_LeadsAndStops(t *testing.T) {
	client := fake.NewClientset()
	e := New(client, testElectionConfig(), "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("never became leader")
	}

	lease, err := client.CoordinationV1().Leases("default").Get(context.Background(), "subscription-scheduler", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, lease.Spec.HolderIdentity)
	require.Equal(t, e.Identity(), *lease.Spec.HolderIdentity)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("elector did not stop")
	}
}

func TestElector_DoesNotLeadWhileLeaseHeld(t *testing.T) {
	holder := "other-replica"
	duration := int32(60)
	now := metav1.NewMicroTime(time.Now())
	client := fake.NewClientset(&coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: "subscription-scheduler", Namespace: "default"},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &holder,
			LeaseDurationSeconds: &duration,
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	})
	e := New(client, testElectionConfig(), "default")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	led := false
	require.NoError(t, e.Run(ctx, func(context.Context) { led = true }))
	require.False(t, led)
}

func TestNew_IdentityIsUnique(t *testing.T) {
	a := New(fake.NewClientset(), testElectionConfig(), "default")
	b := New(fake.NewClientset(), testElectionConfig(), "default")
	require.NotEqual(t, a.Identity(), b.Identity())
}
