package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Vikaspogu/velero-pvc-restore/pkg/discovery"
	"github.com/Vikaspogu/velero-pvc-restore/pkg/engine"
	"github.com/Vikaspogu/velero-pvc-restore/pkg/teardown"
	"github.com/Vikaspogu/velero-pvc-restore/pkg/types"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	velerov1 "github.com/vmware-tanzu/velero/pkg/apis/velero/v1"
)

// Config is the explicit configuration of one coordinator run. It replaces
// the ambient environment variables of the original tooling so every
// component can be driven directly in tests.
type Config struct {
	BackupName    string
	Namespace     string
	ClaimName     string
	AllNamespaces bool
	RestoreName   string
	AutoConfirm   bool
	Wait          bool
	DryRun        bool
	ListBackups   bool
}

// Validate rejects invalid flag combinations before anything is mutated.
func (c Config) Validate() error {
	if c.ListBackups {
		return nil
	}
	if c.BackupName == "" {
		return errors.New("--backup is required")
	}
	if c.ClaimName != "" && c.Namespace == "" {
		return errors.New("--claim requires --namespace")
	}
	if c.Namespace == "" && !c.AllNamespaces {
		return errors.New("either --namespace or --all-namespaces is required")
	}
	if c.Namespace != "" && c.AllNamespaces {
		return errors.New("--namespace and --all-namespaces are mutually exclusive")
	}
	return nil
}

// Coordinator drives a run: plan discovery, operator confirmation, teardown,
// restore invocation, and reporting.
type Coordinator struct {
	engine *engine.Engine
	disc   *discovery.Discoverer
	exec   *teardown.Executor
	cfg    Config
	log    *zap.SugaredLogger

	// In and Out carry the confirmation prompt and operator-facing output.
	In    io.Reader
	Out   io.Writer
	Clock clock.Clock
}

func New(kube kubernetes.Interface, eng *engine.Engine, cfg Config, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		engine: eng,
		disc:   discovery.New(kube, log),
		exec:   teardown.New(kube, teardown.DefaultPolicy, log),
		cfg:    cfg,
		log:    log,
		In:     os.Stdin,
		Out:    os.Stdout,
		Clock:  clock.RealClock{},
	}
}

// WithExecutor replaces the teardown executor, used by tests to inject a
// fake clock policy.
func (c *Coordinator) WithExecutor(exec *teardown.Executor) *Coordinator {
	c.exec = exec
	return c
}

// Run executes the configured operation. A nil return means success or a
// deliberate no-op (dry-run, declined confirmation).
func (c *Coordinator) Run(ctx context.Context) error {
	if c.cfg.ListBackups {
		return c.printBackups(ctx)
	}

	backup, err := c.engine.GetBackup(ctx, c.cfg.BackupName)
	if apierrors.IsNotFound(err) {
		fmt.Fprintf(c.Out, "Backup %q not found.\n", c.cfg.BackupName)
		if listErr := c.printBackups(ctx); listErr != nil {
			c.log.Warnf("listing available backups: %v", listErr)
		}
		return fmt.Errorf("backup %q not found", c.cfg.BackupName)
	}
	if err != nil {
		return fmt.Errorf("checking backup %q: %w", c.cfg.BackupName, err)
	}

	claims, err := c.claimsInScope(ctx, backup)
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		c.log.Warnf("no claims in scope; skipping teardown, restore will recreate them")
	}

	var (
		plans    []*types.TeardownPlan
		anything bool
	)
	for _, claim := range claims {
		plan := c.disc.Plan(ctx, claim.Namespace, claim.Name)
		plans = append(plans, plan)
		if !plan.IsEmpty() {
			anything = true
		}
	}

	restoreName := c.cfg.RestoreName
	if restoreName == "" {
		restoreName = fmt.Sprintf("%s-%s", c.cfg.BackupName, c.Clock.Now().UTC().Format("20060102150405"))
	}

	if c.cfg.DryRun {
		c.printDryRun(plans, restoreName)
		return nil
	}

	if anything && !c.cfg.AutoConfirm {
		ok, err := c.confirm(plans)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(c.Out, "Aborted, nothing deleted.")
			return nil
		}
	}

	var failed []string
	for _, plan := range plans {
		c.log.Infof("tearing down claim %s/%s (%d workload(s))", plan.Namespace, plan.ClaimName, plan.Len())
		if err := c.exec.TeardownClaim(ctx, plan); err != nil {
			c.log.Errorf("teardown of claim %s/%s failed: %v", plan.Namespace, plan.ClaimName, err)
			failed = append(failed, plan.Namespace+"/"+plan.ClaimName)
		}
	}
	if len(plans) > 0 && len(failed) == len(plans) {
		return fmt.Errorf("teardown failed for all %d claim(s), nothing left to restore", len(plans))
	}
	if len(failed) > 0 {
		c.log.Warnf("teardown failed for %d claim(s): %s", len(failed), strings.Join(failed, ", "))
	}

	restore, err := c.engine.CreateRestore(ctx, engine.RestoreRequest{
		BackupName:     c.cfg.BackupName,
		RestoreName:    restoreName,
		Namespaces:     c.restoreNamespaces(),
		RestoreVolumes: true,
	})
	if err != nil {
		return err
	}

	if !c.cfg.Wait {
		c.printMonitoringHints(restore.Name)
		return nil
	}

	final, err := c.engine.WaitForRestore(ctx, restore.Name)
	if errors.Is(err, engine.ErrWaitTimeout) {
		c.log.Warnf("restore %s has not completed yet", restore.Name)
		c.printMonitoringHints(restore.Name)
		return nil
	}
	if err != nil {
		return err
	}

	c.printReport(ctx, final)
	if !engine.Succeeded(final) {
		return fmt.Errorf("restore %s finished with phase %s (%d error(s), %d warning(s))",
			final.Name, final.Status.Phase, final.Status.Errors, final.Status.Warnings)
	}
	return nil
}

// claimsInScope resolves the configured scope to concrete claims. Claims
// covered by the backup but absent from the cluster simply have nothing to
// tear down; the restore recreates them.
func (c *Coordinator) claimsInScope(ctx context.Context, backup *velerov1.Backup) ([]types.ClaimInfo, error) {
	if c.cfg.ClaimName != "" {
		claim, err := c.disc.GetClaim(ctx, c.cfg.Namespace, c.cfg.ClaimName)
		if apierrors.IsNotFound(err) {
			c.log.Warnf("claim %s/%s does not exist in the cluster", c.cfg.Namespace, c.cfg.ClaimName)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []types.ClaimInfo{claim}, nil
	}

	if c.cfg.Namespace != "" {
		return c.disc.ListClaims(ctx, c.cfg.Namespace)
	}

	namespaces := engine.BackupNamespaces(backup)
	if len(namespaces) == 0 {
		return c.disc.ListClaims(ctx, "")
	}
	var claims []types.ClaimInfo
	for _, ns := range namespaces {
		nsClaims, err := c.disc.ListClaims(ctx, ns)
		if err != nil {
			return nil, err
		}
		claims = append(claims, nsClaims...)
	}
	return claims, nil
}

func (c *Coordinator) restoreNamespaces() []string {
	if c.cfg.Namespace != "" {
		return []string{c.cfg.Namespace}
	}
	return nil
}

func (c *Coordinator) printBackups(ctx context.Context) error {
	backups, err := c.engine.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Fprintln(c.Out, "No backups found.")
		return nil
	}

	fmt.Fprintf(c.Out, "%-40s %-18s %-8s %-20s\n", "NAME", "PHASE", "ERRORS", "CREATED")
	for _, b := range backups {
		fmt.Fprintf(c.Out, "%-40s %-18s %-8d %-20s\n",
			b.Name, b.Status.Phase, b.Status.Errors,
			b.CreationTimestamp.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (c *Coordinator) printDryRun(plans []*types.TeardownPlan, restoreName string) {
	fmt.Fprintln(c.Out, "\n=== DRY RUN ===")
	for _, plan := range plans {
		if plan.IsEmpty() {
			fmt.Fprintf(c.Out, "\nClaim %s/%s: no workloads to delete\n", plan.Namespace, plan.ClaimName)
			continue
		}
		fmt.Fprintf(c.Out, "\nClaim %s/%s: would delete\n", plan.Namespace, plan.ClaimName)
		for _, ref := range plan.Ordered() {
			fmt.Fprintf(c.Out, "  - %s/%s\n", ref.Kind, ref.Name)
		}
	}
	fmt.Fprintf(c.Out, "\nWould create restore %q from backup %q (restore volumes: true)\n",
		restoreName, c.cfg.BackupName)
}

func (c *Coordinator) confirm(plans []*types.TeardownPlan) (bool, error) {
	fmt.Fprintln(c.Out, "\nThe following will be deleted before the restore:")
	for _, plan := range plans {
		if plan.IsEmpty() {
			continue
		}
		fmt.Fprintf(c.Out, "  Claim %s/%s:\n", plan.Namespace, plan.ClaimName)
		for _, ref := range plan.Ordered() {
			fmt.Fprintf(c.Out, "    - %s/%s\n", ref.Kind, ref.Name)
		}
	}
	fmt.Fprint(c.Out, "\nProceed with teardown and restore? [y/N]: ")

	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func (c *Coordinator) printMonitoringHints(restoreName string) {
	fmt.Fprintf(c.Out, "\nRestore %q created. Monitor progress with:\n", restoreName)
	fmt.Fprintf(c.Out, "  velero restore describe %s\n", restoreName)
	fmt.Fprintf(c.Out, "  velero restore logs %s\n", restoreName)
}

func (c *Coordinator) printReport(ctx context.Context, restore *velerov1.Restore) {
	fmt.Fprintln(c.Out, "\n=== Restore Summary ===")
	fmt.Fprintf(c.Out, "Name:     %s\n", restore.Name)
	fmt.Fprintf(c.Out, "Phase:    %s\n", restore.Status.Phase)
	if restore.Status.Progress != nil {
		fmt.Fprintf(c.Out, "Items:    %d/%d restored\n",
			restore.Status.Progress.ItemsRestored, restore.Status.Progress.TotalItems)
	}
	fmt.Fprintf(c.Out, "Warnings: %d\n", restore.Status.Warnings)
	fmt.Fprintf(c.Out, "Errors:   %d\n", restore.Status.Errors)
	for _, msg := range restore.Status.ValidationErrors {
		fmt.Fprintf(c.Out, "Validation error: %s\n", msg)
	}

	pvrs, err := c.engine.PodVolumeRestores(ctx, restore.Name)
	if err != nil {
		c.log.Warnf("listing pod volume restores: %v", err)
		return
	}
	if len(pvrs) == 0 {
		return
	}
	fmt.Fprintln(c.Out, "\nVolume restores:")
	for _, pvr := range pvrs {
		fmt.Fprintf(c.Out, "  %s/%s volume %q: %s\n",
			pvr.Spec.Pod.Namespace, pvr.Spec.Pod.Name, pvr.Spec.Volume, pvr.Status.Phase)
	}
}
