package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name     string
	desc     string
	validate error
	execute  func(ActionInput) (*ActionOutput, error)
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc}
}
func (s *stubAction) Execute(_ context.Context, in ActionInput) (*ActionOutput, error) {
	if s.execute != nil {
		return s.execute(in)
	}
	return &ActionOutput{Data: json.RawMessage(`{"ok":true}`)}, nil
}
func (s *stubAction) Validate(_ map[string]any) error { return s.validate }

func requireCode(t *testing.T, err error, code string) *schema.Error {
	t.Helper()
	require.Error(t, err)
	var se *schema.Error
	require.True(t, errors.As(err, &se), "expected *schema.Error, got %T", err)
	assert.Equal(t, code, se.Code)
	return se
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "test.action", desc: "A test action"}))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.action"))

	requireCode(t, reg.Register(&stubAction{name: "test.action"}), schema.ErrCodeConflict)
	requireCode(t, reg.Register(nil), schema.ErrCodeValidation)
	requireCode(t, reg.Register(&stubAction{}), schema.ErrCodeValidation)
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nope")
	se := requireCode(t, err, schema.ErrCodeActionUnavailable)
	assert.True(t, se.IsConfiguration())
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(&stubAction{name: n, desc: "desc " + n}))
	}
	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "desc a", infos[0].Description)
	assert.Equal(t, "c", infos[2].Name)
}

func TestRegistry_Invoke(t *testing.T) {
	reg := NewRegistry()
	var got ActionInput
	require.NoError(t, reg.Register(&stubAction{name: "echo", execute: func(in ActionInput) (*ActionOutput, error) {
		got = in
		return nil, nil
	}}))

	out, err := reg.Invoke(context.Background(), "echo", ActionInput{Meta: Meta{ExecutionID: "e1", StepID: "s1"}})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.NotNil(t, got.Params)
	assert.Equal(t, "e1:s1", got.Meta.IdempotencyKey())
}

func TestRegistry_Invoke_ValidationFailureSkipsExecute(t *testing.T) {
	reg := NewRegistry()
	called := false
	require.NoError(t, reg.Register(&stubAction{
		name:     "strict",
		validate: schema.NewError(schema.ErrCodeValidation, "bad params"),
		execute: func(ActionInput) (*ActionOutput, error) {
			called = true
			return nil, nil
		},
	}))

	_, err := reg.Invoke(context.Background(), "strict", ActionInput{})
	requireCode(t, err, schema.ErrCodeValidation)
	assert.False(t, called)
}

func TestRegistry_Invoke_RecoversPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("boom", "panics", func(context.Context, ActionInput) (*ActionOutput, error) {
		panic("kaboom")
	}))

	out, err := reg.Invoke(context.Background(), "boom", ActionInput{})
	assert.Nil(t, out)
	se := requireCode(t, err, schema.ErrCodeExecution)
	assert.Contains(t, se.Message, "kaboom")
}

func TestRegistry_RegisterFunc(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("notify", "send a note", func(_ context.Context, in ActionInput) (*ActionOutput, error) {
		return &ActionOutput{Set: map[string]any{"to": in.Params["to"]}}, nil
	}))
	requireCode(t, reg.RegisterFunc("nil", "", nil), schema.ErrCodeValidation)

	out, err := reg.Invoke(context.Background(), "notify", ActionInput{Params: map[string]any{"to": "ops"}})
	require.NoError(t, err)
	assert.Equal(t, "ops", out.Set["to"])
	assert.Equal(t, "send a note", reg.List()[0].Description)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(&stubAction{name: string(rune('a' + i%26))})
			_ = reg.Has("a")
			_ = reg.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 26, reg.Count())
}
