package postgres

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/domain/repository"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
	"github.com/yourusername/linkbio-api/pkg/database"
)

// Тесты этого файла идут против настоящего Postgres в контейнере.
// Без Docker (или с -short) они пропускаются.

var (
	testDB     *gorm.DB
	skipReason string
)

func TestMain(m *testing.M) {
	flag.Parse()
	code := runWithPostgres(m)
	os.Exit(code)
}

func runWithPostgres(m *testing.M) int {
	if testing.Short() {
		skipReason = "integration tests disabled by -short"
		return m.Run()
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		skipReason = fmt.Sprintf("docker unavailable: %v", err)
		return m.Run()
	}
	if err := pool.Client.Ping(); err != nil {
		skipReason = fmt.Sprintf("docker unavailable: %v", err)
		return m.Run()
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16",
		Env: []string{
			"POSTGRES_PASSWORD=postgres",
			"POSTGRES_USER=postgres",
			"POSTGRES_DB=linkbio_test",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		skipReason = fmt.Sprintf("could not start postgres container: %v", err)
		return m.Run()
	}
	defer func() {
		if err := pool.Purge(resource); err != nil {
			log.Printf("[IntegrationTest] Не удалось удалить контейнер: %v", err)
		}
	}()
	_ = resource.Expire(300)

	dsn := fmt.Sprintf("host=localhost port=%s user=postgres password=postgres dbname=linkbio_test sslmode=disable",
		resource.GetPort("5432/tcp"))

	pool.MaxWait = 90 * time.Second
	if err := pool.Retry(func() error {
		db, err := database.NewPostgresDB(dsn, false)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.Ping(); err != nil {
			return err
		}
		testDB = db
		return nil
	}); err != nil {
		skipReason = fmt.Sprintf("postgres did not become ready: %v", err)
		return m.Run()
	}

	if err := database.MigrateDB(testDB, "../../../migrations"); err != nil {
		log.Printf("[IntegrationTest] Миграции не применились: %v", err)
		return 1
	}

	return m.Run()
}

func requireDB(t *testing.T) *gorm.DB {
	t.Helper()
	if testDB == nil {
		t.Skip(skipReason)
	}
	return testDB
}

var subjectSeq struct {
	sync.Mutex
	n int
}

// nextSubject выдает уникальный subject, чтобы тесты не пересекались в общей базе
func nextSubject(prefix string) string {
	subjectSeq.Lock()
	defer subjectSeq.Unlock()
	subjectSeq.n++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), subjectSeq.n)
}

func createUserWithAccounts(t *testing.T, repo *AccountRepo, accounts ...entity.Account) (uint, []entity.Account) {
	t.Helper()
	require.NotEmpty(t, accounts)
	ctx := context.Background()

	user := &entity.User{Name: "Integration User"}
	first := accounts[0]
	require.NoError(t, repo.CreateWithUser(ctx, user, &first))

	created := []entity.Account{first}
	for _, a := range accounts[1:] {
		a.UserID = user.ID
		require.NoError(t, repo.Create(ctx, &a))
		created = append(created, a)
	}
	return user.ID, created
}

func TestLinkingTokenRepo_ConcurrentConsumeHasOneWinner(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	accounts := NewAccountRepo(db)
	tokens := NewLinkingTokenRepo(db)

	userID, _ := createUserWithAccounts(t, accounts, entity.Account{Provider: "github", SubjectID: nextSubject("gh")})

	now := time.Now()
	hash := fmt.Sprintf("%064d", now.UnixNano())
	require.NoError(t, tokens.Create(ctx, &entity.LinkingToken{
		TokenHash: hash,
		UserID:    userID,
		Provider:  "google",
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	const workers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		notFound int
		start    = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tok, err := tokens.Consume(ctx, hash, userID, "google", time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
				assert.Equal(t, hash, tok.TokenHash)
			case errors.Is(err, apperrors.ErrNotFound):
				notFound++
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, notFound)

	_, err := tokens.GetLive(ctx, hash, userID, "google", time.Now())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestLinkingTokenRepo_ConsumeChecksScope(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	accounts := NewAccountRepo(db)
	tokens := NewLinkingTokenRepo(db)

	userID, _ := createUserWithAccounts(t, accounts, entity.Account{Provider: "github", SubjectID: nextSubject("gh")})
	now := time.Now()

	live := fmt.Sprintf("%064d", now.UnixNano()+1)
	require.NoError(t, tokens.Create(ctx, &entity.LinkingToken{
		TokenHash: live, UserID: userID, Provider: "google", ExpiresAt: now.Add(10 * time.Minute),
	}))

	_, err := tokens.Consume(ctx, live, userID+1000000, "google", now)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "чужой пользователь")
	_, err = tokens.Consume(ctx, live, userID, "discord", now)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "другой провайдер")
	_, err = tokens.Consume(ctx, live, userID, "google", now.Add(11*time.Minute))
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "истекший токен")

	// неудачные попытки не сжигают токен
	tok, err := tokens.Consume(ctx, live, userID, "google", now)
	require.NoError(t, err)
	assert.Equal(t, userID, tok.UserID)
}

func TestAccountRepo_ConcurrentDeleteKeepsOneAccount(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	repo := NewAccountRepo(db)

	userID, created := createUserWithAccounts(t, repo,
		entity.Account{Provider: "github", SubjectID: nextSubject("gh")},
		entity.Account{Provider: "google", SubjectID: nextSubject("gg")},
	)
	require.Len(t, created, 2)

	var (
		wg    sync.WaitGroup
		errs  = make([]error, len(created))
		start = make(chan struct{})
	)
	for i, a := range created {
		wg.Add(1)
		go func(i int, accountID uint) {
			defer wg.Done()
			<-start
			errs[i] = repo.Delete(ctx, accountID, userID)
		}(i, a.ID)
	}
	close(start)
	wg.Wait()

	var ok, last int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repository.ErrLastAccount):
			last++
		default:
			t.Errorf("unexpected delete error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, last)

	remaining, err := repo.ListByUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestAccountRepo_CreateInheritsBanAndRole(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	repo := NewAccountRepo(db)

	userID, _ := createUserWithAccounts(t, repo, entity.Account{Provider: "github", SubjectID: nextSubject("gh")})
	require.NoError(t, repo.SetBanFlagForUser(ctx, userID, true))
	require.NoError(t, repo.SetRoleForUser(ctx, userID, entity.RoleAdmin))

	linked := entity.Account{UserID: userID, Provider: "google", SubjectID: nextSubject("gg")}
	require.NoError(t, repo.Create(ctx, &linked))
	assert.True(t, linked.Banned)
	assert.Equal(t, entity.RoleAdmin, linked.Role)

	stored, err := repo.GetByProviderSubject(ctx, "google", linked.SubjectID)
	require.NoError(t, err)
	assert.True(t, stored.Banned)
	assert.Equal(t, entity.RoleAdmin, stored.Role)
}

func TestAccountRepo_CreateRejectsBoundIdentity(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	repo := NewAccountRepo(db)

	shared := nextSubject("gg")
	ownerID, _ := createUserWithAccounts(t, repo,
		entity.Account{Provider: "github", SubjectID: nextSubject("gh")},
		entity.Account{Provider: "google", SubjectID: shared},
	)
	otherID, _ := createUserWithAccounts(t, repo, entity.Account{Provider: "github", SubjectID: nextSubject("gh")})

	err := repo.Create(ctx, &entity.Account{UserID: otherID, Provider: "google", SubjectID: shared})
	assert.ErrorIs(t, err, repository.ErrIdentityBoundElsewhere)

	err = repo.Create(ctx, &entity.Account{UserID: ownerID, Provider: "google", SubjectID: shared})
	assert.ErrorIs(t, err, repository.ErrIdentityAlreadyLinked)

	err = repo.Create(ctx, &entity.Account{UserID: ownerID, Provider: "github", SubjectID: nextSubject("gh")})
	assert.ErrorIs(t, err, repository.ErrProviderAlreadyLinked)
}
