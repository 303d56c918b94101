package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	gotName    string
	gotDecrypt bool
	out        *ssm.GetParameterOutput
	err        error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.gotName = *in.Name
	f.gotDecrypt = *in.WithDecryption
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

func TestParamStore_GetParameter(t *testing.T) {
	api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: strPtr("sk-123")}}}
	p, err := NewParamStore(api)
	require.NoError(t, err)

	v, err := p.GetParameter(context.Background(), " /sitebot/llm-key ")
	require.NoError(t, err)
	require.Equal(t, "sk-123", v)
	require.Equal(t, "/sitebot/llm-key", api.gotName)
	require.True(t, api.gotDecrypt)
}

func TestParamStore_Errors(t *testing.T) {
	_, err := NewParamStore(nil)
	require.Error(t, err)

	p, err := NewParamStore(&fakeSSM{err: errors.New("access denied")})
	require.NoError(t, err)
	_, err = p.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "access denied")

	_, err = p.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")

	p, err = NewParamStore(&fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{}}})
	require.NoError(t, err)
	_, err = p.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "no value")
}

type staticGetter struct {
	value string
	err   error
	calls int
}

func (s *staticGetter) GetParameter(context.Context, string) (string, error) {
	s.calls++
	return s.value, s.err
}

func TestResolveAPIKey(t *testing.T) {
	ctx := context.Background()

	g := &staticGetter{value: "from-ssm"}
	key, err := ResolveAPIKey(ctx, g, "explicit", "/p")
	require.NoError(t, err)
	require.Equal(t, "explicit", key)
	require.Zero(t, g.calls)

	key, err = ResolveAPIKey(ctx, g, "", "/p")
	require.NoError(t, err)
	require.Equal(t, "from-ssm", key)

	_, err = ResolveAPIKey(ctx, g, "", "")
	require.Error(t, err)

	_, err = ResolveAPIKey(ctx, nil, "", "/p")
	require.Error(t, err)

	_, err = ResolveAPIKey(ctx, &staticGetter{value: "  "}, "", "/p")
	require.ErrorContains(t, err, "empty")
}
