package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/resilience"
	"github.com/sells-group/intake-pipeline/pkg/builder"
	"github.com/sells-group/intake-pipeline/pkg/eloqua"
)

type mockCRM struct {
	calls int32
	err   error
	last  *eloqua.Lead
}

func (m *mockCRM) CreateLead(_ context.Context, lead *eloqua.Lead) error {
	atomic.AddInt32(&m.calls, 1)
	m.last = lead
	return m.err
}

type mockProvisioner struct {
	calls int32
	err   error
	last  *builder.ProvisionRequest
}

func (m *mockProvisioner) Provision(_ context.Context, req *builder.ProvisionRequest) error {
	atomic.AddInt32(&m.calls, 1)
	m.last = req
	return m.err
}

func breakers() *resilience.ServiceBreakers {
	return resilience.NewServiceBreakers(resilience.CircuitConfig{
		FailureThreshold: 100,
		ResetTimeout:     time.Minute,
	})
}

func classifiedSubmission(flag model.ClassificationFlag) *model.Submission {
	return &model.Submission{
		ID:     "sub-1",
		FormID: "contact-us",
		Values: map[string]string{"email": "jo@acme.com", "name": "Jo"},
		Flag:   flag,
		State:  model.StateClassified,
		Enrichment: &model.EnrichmentResult{
			Available: true,
			Matched:   true,
			Company:   &model.CompanyAttributes{Name: "Acme"},
			SpamScore: 0.1,
		},
		Context: model.NewProcessingContext(),
	}
}

func TestDispatchGreenHitsBothTargets(t *testing.T) {
	crm := &mockCRM{}
	prov := &mockProvisioner{}
	d := New(crm, prov, breakers())

	err := d.Dispatch(context.Background(), classifiedSubmission(model.FlagGreen))

	require.NoError(t, err)
	assert.Equal(t, int32(1), crm.calls)
	assert.Equal(t, int32(1), prov.calls)
	assert.Equal(t, "jo@acme.com", crm.last.Email)
	assert.Equal(t, "green", crm.last.Flag)
	assert.InDelta(t, 0.1, crm.last.SpamScore, 1e-9)
	assert.Equal(t, "Acme", prov.last.Company)
}

func TestDispatchYellowSkipsProvisioning(t *testing.T) {
	crm := &mockCRM{}
	prov := &mockProvisioner{}
	d := New(crm, prov, breakers())

	err := d.Dispatch(context.Background(), classifiedSubmission(model.FlagYellow))

	require.NoError(t, err)
	assert.Equal(t, int32(1), crm.calls)
	assert.Equal(t, int32(0), prov.calls)
}

func TestDispatchRedIsNotRoutable(t *testing.T) {
	d := New(&mockCRM{}, &mockProvisioner{}, breakers())

	err := d.Dispatch(context.Background(), classifiedSubmission(model.FlagRed))

	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestDispatchGreenFailsWhenProvisioningFails(t *testing.T) {
	crm := &mockCRM{}
	prov := &mockProvisioner{err: &builder.APIError{StatusCode: 503}}
	d := New(crm, prov, breakers())

	err := d.Dispatch(context.Background(), classifiedSubmission(model.FlagGreen))

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"eloqua 500", &eloqua.APIError{StatusCode: 500}, true},
		{"eloqua 429", &eloqua.APIError{StatusCode: 429}, true},
		{"eloqua 400", &eloqua.APIError{StatusCode: 400}, false},
		{"eloqua 401", &eloqua.APIError{StatusCode: 401}, false},
		{"builder 503", &builder.APIError{StatusCode: 503}, true},
		{"builder 422", &builder.APIError{StatusCode: 422}, false},
		{"transport error", eris.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAPIError(tt.err, "test")
			require.Error(t, got)
			if tt.transient {
				assert.True(t, resilience.IsTransient(got))
			} else {
				assert.True(t, resilience.IsPermanent(got))
			}
		})
	}

	assert.NoError(t, classifyAPIError(nil, "test"))
}

func TestDispatchCircuitOpenIsTransient(t *testing.T) {
	crm := &mockCRM{err: &eloqua.APIError{StatusCode: 500}}
	sb := resilience.NewServiceBreakers(resilience.CircuitConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})
	d := New(crm, &mockProvisioner{}, sb)
	sub := classifiedSubmission(model.FlagYellow)

	// First call trips the breaker.
	require.Error(t, d.Dispatch(context.Background(), sub))

	// Second call is rejected without touching the CRM and stays retryable.
	err := d.Dispatch(context.Background(), sub)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), crm.calls)
}
