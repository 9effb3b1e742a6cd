package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type mockSecrets struct {
	out *secretsmanager.GetSecretValueOutput
	err error
	ids []string
}

func (m *mockSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.ids = append(m.ids, aws.ToString(in.SecretId))
	return m.out, m.err
}

func TestLoader_Load(t *testing.T) {
	client := &mockSecrets{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"JWT_SIGNING_KEY":"abc","OPENAI_API_KEY":"sk-test"}`),
	}}
	l := &Loader{client: client}

	got, err := l.Load(context.Background(), "portal/prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["JWT_SIGNING_KEY"] != "abc" || got["OPENAI_API_KEY"] != "sk-test" {
		t.Errorf("unexpected values %v", got)
	}
	if len(client.ids) != 1 || client.ids[0] != "portal/prod" {
		t.Errorf("unexpected secret ids %v", client.ids)
	}
}

func TestLoader_Binary(t *testing.T) {
	l := &Loader{client: &mockSecrets{out: &secretsmanager.GetSecretValueOutput{
		SecretBinary: []byte(`{"DATABASE_URL":"postgres://x"}`),
	}}}
	got, err := l.Load(context.Background(), "s")
	if err != nil || got["DATABASE_URL"] != "postgres://x" {
		t.Errorf("unexpected result %v %v", got, err)
	}
}

func TestLoader_NotFound(t *testing.T) {
	l := &Loader{client: &mockSecrets{err: &types.ResourceNotFoundException{Message: aws.String("missing")}}}
	if _, err := l.Load(context.Background(), "s"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestLoader_InvalidJSON(t *testing.T) {
	l := &Loader{client: &mockSecrets{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("plain-text")}}}
	if _, err := l.Load(context.Background(), "s"); err == nil {
		t.Error("expected error for non-JSON secret")
	}
}

func TestLoader_Empty(t *testing.T) {
	l := &Loader{client: &mockSecrets{out: &secretsmanager.GetSecretValueOutput{}}}
	if _, err := l.Load(context.Background(), "s"); err == nil {
		t.Error("expected error for empty secret")
	}
}
