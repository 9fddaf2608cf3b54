package kvstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/groupchat/internal/store"
)

func openMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func Test_Create_And_Get_User(t *testing.T) {
	req := require.New(t)
	s := openMemoryStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "alice", "hash")
	req.NoError(err)

	byName, err := s.GetByUsername(ctx, "alice")
	req.NoError(err)
	req.Equal(created.ID, byName.ID)
	req.Equal("hash", byName.PasswordHash)
	req.True(created.CreatedAt.Equal(byName.CreatedAt))

	byID, err := s.GetByID(ctx, created.ID)
	req.NoError(err)
	req.Equal("alice", byID.Username)
}

func Test_Unknown_User_Is_Not_Found(t *testing.T) {
	req := require.New(t)
	s := openMemoryStore(t)

	_, err := s.GetByUsername(context.Background(), "ghost")
	req.ErrorIs(err, store.ErrNotFound)

	_, err = s.GetByID(context.Background(), "ghost-id")
	req.ErrorIs(err, store.ErrNotFound)
}

func Test_Duplicate_Username_Is_Rejected(t *testing.T) {
	req := require.New(t)
	s := openMemoryStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "alice", "hash")
	req.NoError(err)

	_, err = s.Create(ctx, "alice", "other")
	req.ErrorIs(err, store.ErrUserExists)

	got, err := s.GetByUsername(ctx, "alice")
	req.NoError(err)
	req.Equal(first.ID, got.ID)
}

func Test_Concurrent_Registrations_Create_One_User(t *testing.T) {
	req := require.New(t)
	s := openMemoryStore(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, "alice", "hash")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		req.ErrorIs(err, store.ErrUserExists)
	}
	req.Equal(1, succeeded)
}

func Test_List_Users_By_Creation_Time(t *testing.T) {
	req := require.New(t)
	s := openMemoryStore(t)
	ctx := context.Background()

	// Lexicographic order differs from creation order on purpose.
	for _, name := range []string{"zoe", "adam", "mia"} {
		_, err := s.Create(ctx, name, "hash")
		req.NoError(err)
	}

	asc, err := s.ListUsers(ctx, store.Ascending)
	req.NoError(err)
	req.Equal([]string{"zoe", "adam", "mia"}, names(asc))

	desc, err := s.ListUsers(ctx, store.Descending)
	req.NoError(err)
	req.Equal([]string{"mia", "adam", "zoe"}, names(desc))
}

func Test_Append_And_List_Messages(t *testing.T) {
	req := require.New(t)
	s := openMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", "hash")
	req.NoError(err)

	for i := range 5 {
		_, err = s.Append(ctx, "alice", fmt.Sprintf("message %d", i))
		req.NoError(err)
	}

	asc, err := s.ListMessages(ctx, store.Ascending)
	req.NoError(err)
	req.Len(asc, 5)
	for i, m := range asc {
		req.Equal(fmt.Sprintf("message %d", i), m.Text)
		if i > 0 {
			req.True(m.CreatedAt.After(asc[i-1].CreatedAt))
		}
	}

	desc, err := s.ListMessages(ctx, store.Descending)
	req.NoError(err)
	req.Len(desc, 5)
	req.Equal("message 4", desc[0].Text)
	req.Equal("message 0", desc[4].Text)
}

func Test_Append_Rejects_Empty_Text_And_Unknown_Author(t *testing.T) {
	req := require.New(t)
	s := openMemoryStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", "hash")
	req.NoError(err)

	_, err = s.Append(ctx, "alice", "")
	req.ErrorIs(err, store.ErrEmptyText)

	_, err = s.Append(ctx, "bob", "hi")
	req.ErrorIs(err, store.ErrUnknownAuthor)

	msgs, err := s.ListMessages(ctx, store.Ascending)
	req.NoError(err)
	req.Empty(msgs)
}

func Test_Store_On_Disk_Survives_Reopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, nil)
	req.NoError(err)
	_, err = s.Create(ctx, "alice", "hash")
	req.NoError(err)
	_, err = s.Append(ctx, "alice", "still here")
	req.NoError(err)
	req.NoError(s.Close())

	s, err = Open(dir, nil)
	req.NoError(err)
	defer s.Close()

	msgs, err := s.ListMessages(ctx, store.Ascending)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal("still here", msgs[0].Text)
}

func names(users []store.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}
