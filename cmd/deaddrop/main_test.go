package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminCommandsNeedDatabase(t *testing.T) {
	t.Setenv("DEADDROP_DATABASE_URL", "")
	for _, args := range [][]string{
		{"migrate"},
		{"resolve", "ABC234"},
		{"show", "d1"},
		{"burn", "d1"},
		{"purge", "d1"},
		{"replay"},
	} {
		cmd := newRootCommand()
		cmd.SetArgs(args)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetIn(strings.NewReader(""))
		assert.ErrorIs(t, cmd.Execute(), errNoDatabase, args[0])
	}
}

func TestArgumentValidation(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"show"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

func TestAdminCommandsRegistered(t *testing.T) {
	cmd := newRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"migrate", "resolve", "show", "burn", "purge", "replay"}, names)
}

func TestReadJobs(t *testing.T) {
	jobs, err := readJobs(strings.NewReader("{\"drop_id\":\"d1\"}\n\n  \n{\"drop_id\":\"d2\"}\ngarbage\n"))
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.JSONEq(t, `{"drop_id":"d1"}`, string(jobs[0]))
	assert.JSONEq(t, `{"drop_id":"d2"}`, string(jobs[1]))
	assert.Equal(t, "garbage", string(jobs[2]))

	jobs, err = readJobs(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
