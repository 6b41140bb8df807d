package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/google/uuid"
)

// Regression: a returned OAuth state must be consumable exactly once, and
// never after its expiry. Two callbacks racing on the same state must not
// both win.
func TestOAuthState_SingleUseConsumption(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "recon_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	firmId := uuid.NewString()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")
	ctx = utils.SetFirmIdInContext(ctx, firmId)

	issued, err := models.IssueOAuthState(ctx, firmId, 1, models.OAuthProviderQbo, config.QboEnvironmentSandbox, nil, "")
	if err != nil {
		t.Fatalf("IssueOAuthState: %v", err)
	}

	// First consumption wins and returns the original binding.
	got, err := models.ConsumeOAuthState(ctx, issued.State, models.OAuthProviderQbo)
	if err != nil {
		t.Fatalf("first ConsumeOAuthState: %v", err)
	}
	if got.FirmId != firmId {
		t.Errorf("consumed firm = %q, want %q", got.FirmId, firmId)
	}

	// Second consumption of the same state must fail.
	if _, err := models.ConsumeOAuthState(ctx, issued.State, models.OAuthProviderQbo); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("second consume err = %v, want ErrInvalidState", err)
	}

	// Wrong provider must not consume a valid state.
	other, err := models.IssueOAuthState(ctx, firmId, 1, models.OAuthProviderQbo, config.QboEnvironmentSandbox, nil, "")
	if err != nil {
		t.Fatalf("IssueOAuthState: %v", err)
	}
	if _, err := models.ConsumeOAuthState(ctx, other.State, models.OAuthProviderDropbox); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("cross-provider consume err = %v, want ErrInvalidState", err)
	}

	// Expired states are rejected and the sweep removes them.
	expired, err := models.IssueOAuthState(ctx, firmId, 1, models.OAuthProviderQbo, config.QboEnvironmentSandbox, nil, "")
	if err != nil {
		t.Fatalf("IssueOAuthState: %v", err)
	}
	sweepCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	if err := config.GetDB().WithContext(sweepCtx).Model(&models.OAuthState{}).
		Where("state = ?", expired.State).
		Update("expires_at", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("expire state: %v", err)
	}
	if _, err := models.ConsumeOAuthState(ctx, expired.State, models.OAuthProviderQbo); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expired consume err = %v, want ErrInvalidState", err)
	}
	swept, err := models.SweepExpiredStates(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredStates: %v", err)
	}
	if swept < 1 {
		t.Errorf("swept = %d, want >= 1", swept)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("recon-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=recon_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
