package balancer

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medforge/rosterd/pkg/health"
)

func TestChecker_MarksInstanceUnhealthyAfterThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	registry := NewRegistry(RegistryOptions{FailureThreshold: 2})
	instance := registry.Register("api", host, port, 1, nil)

	checker := NewChecker(registry, health.NewHTTPProbe("/").WithTimeout(200*time.Millisecond), CheckerOptions{
		Interval:        20 * time.Millisecond,
		ProbeTimeout:    200 * time.Millisecond,
		ProbesPerSecond: 1000,
	})
	checker.Start()
	defer checker.Stop()

	// While the server answers, the instance stays selectable
	require.Eventually(t, func() bool {
		instances := registry.Instances("api", true)
		return len(instances) == 1 && !instances[0].LastHealthCheck.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	// After the server dies, failures accumulate to the threshold
	server.Close()
	require.Eventually(t, func() bool {
		return len(registry.Instances("api", true)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// A subsequent successful probe resets the instance to healthy
	registry.RecordSuccess(instance.ID)
	require.Len(t, registry.Instances("api", true), 1)
}
