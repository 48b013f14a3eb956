package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI 是 ssmAPI 的测试替身。
type fakeAPI struct {
	out   *ssm.GetParameterOutput
	err   error
	calls int
	last  *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.last = in
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

// TestGetParameterDecryptsAndCaches 验证读取时要求解密，且同名参数只访问 SSM 一次。
func TestGetParameterDecryptsAndCaches(t *testing.T) {
	api := &fakeAPI{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/island/key"), Value: strPtr("sk-1"), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)

	for range 2 {
		v, err := client.GetParameter(context.Background(), " /island/key ")
		require.NoError(t, err)
		require.Equal(t, "sk-1", v)
	}
	require.Equal(t, 1, api.calls)
	require.Equal(t, "/island/key", *api.last.Name)
	require.True(t, *api.last.WithDecryption)
}

func TestGetParameterErrors(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	client, err := New(&fakeAPI{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")

	client, err = New(&fakeAPI{err: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}
