package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bitia-ru/k8s-pvc-migrate/pkg/claims"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/copier"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/discovery"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/patch"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/pivot"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/quiesce"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/rename"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/snapshot"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/statestore"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/types"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

type options struct {
	namespace      string
	originClass    string
	targetClass    string
	strategy       string
	recreate       bool
	dryRun         bool
	preserveTemp   bool
	preferSnapshot bool
	scaleDown      bool
	copyOnly       bool
	deletePVC      bool
	exportPods     bool
	manifestDir    string
}

func main() {
	var (
		opts          options
		stateDir      string
		r2Credentials string
		kubeconfig    string
		verbose       bool
	)

	flag.StringVarP(&opts.namespace, "namespace", "n", "", "Kubernetes namespace (required)")
	flag.StringVar(&opts.strategy, "strategy", "pivot", "Migration strategy: pivot (keep claim names) or rename (suffix claim names)")
	flag.BoolVar(&opts.recreate, "recreate", false, "Pivot only: recreate staged claims under their original names (phase 2)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Show what would be done without doing it")
	flag.BoolVar(&opts.preserveTemp, "preserve-temp", false, "Pivot only: keep the temp claims after recreation")
	flag.BoolVar(&opts.preferSnapshot, "prefer-snapshot", false, "Use volume snapshots instead of copy pods when the origin class supports them")
	flag.BoolVar(&opts.scaleDown, "scale-down", false, "Pivot only: stop workloads using the claims before staging, restore them after recreation")
	flag.BoolVar(&opts.copyOnly, "copy-only", false, "Rename only: copy data without patching workload references")
	flag.BoolVar(&opts.deletePVC, "delete-pvc", false, "Rename only: delete the original claims after migration")
	flag.BoolVar(&opts.exportPods, "export-pods", false, "Rename only: export manifests for standalone pods that cannot be patched")
	flag.StringVar(&opts.manifestDir, "manifest-dir", "manifests", "Directory for exported pod manifests")
	flag.StringVar(&stateDir, "state-dir", ".", "Directory for the pivot ledger and scale state")
	flag.StringVar(&r2Credentials, "r2-credentials", "", "Path to R2 credentials JSON; keeps migration state in a bucket instead of local files")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flag.Parse()

	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	args := flag.Args()
	if opts.namespace == "" || len(args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: k8s-pvc-migrate [flags] <origin-storage-class> <target-storage-class>")
		fmt.Fprintln(os.Stderr, "Error: --namespace and both storage classes are required")
		flag.Usage()
		os.Exit(1)
	}
	opts.originClass, opts.targetClass = args[0], args[1]

	if opts.originClass == opts.targetClass {
		fmt.Fprintln(os.Stderr, "Error: origin and target storage classes are the same")
		os.Exit(1)
	}
	if opts.strategy != "pivot" && opts.strategy != "rename" {
		fmt.Fprintf(os.Stderr, "Error: unknown strategy %q (want pivot or rename)\n", opts.strategy)
		os.Exit(1)
	}
	if opts.strategy == "rename" && opts.recreate {
		fmt.Fprintln(os.Stderr, "Error: --recreate only applies to the pivot strategy")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, dyn, err := buildClients(kubeconfig)
	if err != nil {
		log.Fatalf("failed to create Kubernetes clients: %v", err)
	}

	store, err := buildStore(r2Credentials, stateDir, opts.namespace)
	if err != nil {
		log.Fatalf("failed to set up state store: %v", err)
	}

	switch {
	case opts.strategy == "rename":
		err = runRename(ctx, client, dyn, opts)
	case opts.recreate:
		err = runRecreate(ctx, client, dyn, store, opts)
	default:
		err = runStage(ctx, client, dyn, store, opts)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

// runStage is pivot phase 1: stop workloads if requested, stage every claim's
// data in a temp sibling on the target class, and persist the ledger.
func runStage(ctx context.Context, client kubernetes.Interface, dyn dynamic.Interface, store statestore.Store, opts options) error {
	disc := discovery.New(client)
	snaps := snapshot.New(dyn)
	q := quiesce.New(client, store)
	pv := pivot.New(claims.New(client), copier.New(client), snaps, pivot.NewLedger(store))

	// Step 1: Discover claims
	fmt.Printf("Discovering claims in storage class %q in namespace %q...\n", opts.originClass, opts.namespace)
	volumes, err := disc.Volumes(ctx, opts.namespace, opts.originClass)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if len(volumes) == 0 {
		fmt.Printf("No claims found in storage class %q. Nothing to do.\n", opts.originClass)
		return nil
	}
	fmt.Printf("Found %d claim(s):\n", len(volumes))
	for _, vol := range volumes {
		fmt.Printf("  - %s (%s, %s)\n", vol.Name, vol.Size.String(), accessModes(vol.AccessModes))
	}

	// Step 2: Scan workloads holding the claims
	var records map[string]types.ScaleRecord
	if opts.scaleDown {
		records, err = q.Scan(ctx, opts.namespace, claimNames(volumes))
		if err != nil {
			return fmt.Errorf("scanning workloads: %w", err)
		}
	}

	snapClass := probeSnapshotClass(ctx, snaps, opts.preferSnapshot, opts.originClass)

	if opts.dryRun {
		printStagePlan(volumes, records, snapClass, opts)
		return nil
	}

	// Step 3: Quiesce
	if len(records) > 0 {
		fmt.Printf("\nStopping %d workload(s)...\n", len(records))
		if err := q.ScaleDown(ctx, opts.namespace, records); err != nil {
			return fmt.Errorf("quiescing workloads: %w", err)
		}
	}

	// Step 4: Stage data on the target class
	fmt.Printf("\nStaging %d claim(s) on %q...\n", len(volumes), opts.targetClass)
	results, err := pv.Phase1(ctx, pivotOptions(opts), volumes)
	if err != nil {
		return err
	}

	hasError := printSummary("Staging", results)
	if hasError {
		return fmt.Errorf("some volumes failed to stage (see above); rerun to retry them")
	}
	fmt.Println("\nStaging complete. Run again with --recreate to finish the migration.")
	return nil
}

// runRecreate is pivot phase 2: recreate every staged claim under its
// original name on the target class, then restore quiesced workloads.
func runRecreate(ctx context.Context, client kubernetes.Interface, dyn dynamic.Interface, store statestore.Store, opts options) error {
	q := quiesce.New(client, store)
	ledger := pivot.NewLedger(store)
	pv := pivot.New(claims.New(client), copier.New(client), snapshot.New(dyn), ledger)

	if opts.dryRun {
		records, err := ledger.Load(ctx)
		if errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("no pivot ledger found: run the staging phase first")
		}
		if err != nil {
			return err
		}
		saved, err := q.Saved(ctx)
		if err != nil && !errors.Is(err, statestore.ErrNotFound) {
			return err
		}
		printRecreatePlan(records, saved, opts)
		return nil
	}

	// Step 1: Recreate claims under their original names
	fmt.Printf("Recreating staged claims in namespace %q on %q...\n", opts.namespace, opts.targetClass)
	results, err := pv.Phase2(ctx, pivotOptions(opts))
	if err != nil {
		return err
	}

	// Step 2: Restore workloads
	fmt.Println("\nRestoring workloads...")
	if err := q.Restore(ctx, opts.namespace); err != nil {
		log.Warnf("failed to restore some workloads, state kept for retry: %v", err)
	}

	hasError := printSummary("Migration", results)
	if hasError {
		return fmt.Errorf("some volumes failed to migrate (see above); rerun --recreate to retry them")
	}
	fmt.Println("\nMigration complete.")
	return nil
}

// runRename migrates each claim to a suffixed sibling and repoints workload
// references at it.
func runRename(ctx context.Context, client kubernetes.Interface, dyn dynamic.Interface, opts options) error {
	disc := discovery.New(client)
	snaps := snapshot.New(dyn)
	patcher := patch.New(client)
	patcher.ManifestDir = opts.manifestDir
	patcher.DryRun = opts.dryRun

	fmt.Printf("Discovering claims in storage class %q in namespace %q...\n", opts.originClass, opts.namespace)
	volumes, err := disc.Volumes(ctx, opts.namespace, opts.originClass)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if len(volumes) == 0 {
		fmt.Printf("No claims found in storage class %q. Nothing to do.\n", opts.originClass)
		return nil
	}
	fmt.Printf("Found %d claim(s):\n", len(volumes))
	for _, vol := range volumes {
		fmt.Printf("  - %s (%s, %s)\n", vol.Name, vol.Size.String(), accessModes(vol.AccessModes))
	}

	snapClass := probeSnapshotClass(ctx, snaps, opts.preferSnapshot, opts.originClass)

	if opts.dryRun {
		printRenamePlan(ctx, volumes, patcher, snapClass, opts)
		return nil
	}

	fmt.Printf("\nMigrating %d claim(s) to %q...\n", len(volumes), opts.targetClass)
	m := rename.New(claims.New(client), copier.New(client), snaps, patcher)
	results := m.Migrate(ctx, renameOptions(opts), volumes)

	hasError := printSummary("Migration", results)
	if hasError {
		return fmt.Errorf("some volumes failed to migrate (see above)")
	}
	fmt.Println("\nMigration complete.")
	return nil
}

func pivotOptions(opts options) pivot.Options {
	return pivot.Options{
		Namespace:      opts.namespace,
		OriginClass:    opts.originClass,
		TargetClass:    opts.targetClass,
		PreserveTemp:   opts.preserveTemp,
		PreferSnapshot: opts.preferSnapshot,
	}
}

func renameOptions(opts options) rename.Options {
	return rename.Options{
		Namespace:      opts.namespace,
		OriginClass:    opts.originClass,
		TargetClass:    opts.targetClass,
		PreferSnapshot: opts.preferSnapshot,
		CopyOnly:       opts.copyOnly,
		ExportPods:     opts.exportPods,
		DeleteOriginal: opts.deletePVC,
	}
}

// probeSnapshotClass resolves the snapshot class once per run so dry-run
// plans and the migration itself report the same path.
func probeSnapshotClass(ctx context.Context, snaps *snapshot.Snapshotter, prefer bool, originClass string) string {
	if !prefer {
		return ""
	}
	snapClass, err := snaps.ClassFor(ctx, originClass)
	if err != nil {
		log.Warnf("snapshot class probe failed: %v", err)
		return ""
	}
	if snapClass == "" {
		fmt.Printf("No snapshot class supports %q; data will be copied.\n", originClass)
	} else {
		fmt.Printf("Snapshot class %q supports %q; snapshots will be used.\n", snapClass, originClass)
	}
	return snapClass
}

func printSummary(title string, results []types.MigrationResult) bool {
	fmt.Printf("\n=== %s Summary ===\n", title)
	hasError := false
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("  FAIL  %s: %v\n", r.Volume, r.Err)
			hasError = true
		} else {
			fmt.Printf("  OK    %s (%s)\n", r.Volume, r.Detail)
		}
	}
	return hasError
}

func printStagePlan(volumes []types.VolumeRecord, records map[string]types.ScaleRecord, snapClass string, opts options) {
	fmt.Println("\n=== DRY RUN ===")
	if len(records) > 0 {
		fmt.Println("\nWould stop:")
		for _, rec := range quiesce.Sorted(records) {
			fmt.Printf("  - %s %s (currently %s)\n", rec.Kind, rec.Name, priorSummary(rec))
		}
	}
	fmt.Println("\nWould stage:")
	for _, vol := range volumes {
		temp := pivot.TempName(vol.Name)
		if snapClass != "" {
			fmt.Printf("  - snapshot %s, create %s (%s) in %s from the snapshot\n", vol.Name, temp, vol.Size.String(), opts.targetClass)
		} else {
			fmt.Printf("  - create %s (%s) in %s, copy via pod %s\n", temp, vol.Size.String(), opts.targetClass, copier.PodName(copier.PhaseForward, vol.Name))
		}
	}
}

func printRecreatePlan(records []types.PivotRecord, saved map[string]types.ScaleRecord, opts options) {
	fmt.Println("\n=== DRY RUN ===")
	fmt.Println("\nWould recreate:")
	for _, rec := range records {
		if rec.SnapshotRef != "" {
			fmt.Printf("  - delete %s, recreate it in %s from snapshot %s\n", rec.OldName, opts.targetClass, rec.SnapshotRef)
		} else {
			fmt.Printf("  - delete %s, recreate it in %s, copy back via pod %s\n", rec.OldName, opts.targetClass, copier.PodName(copier.PhaseReturn, rec.TempName))
		}
		if !opts.preserveTemp {
			fmt.Printf("    then delete %s\n", rec.TempName)
		}
	}
	if len(saved) > 0 {
		fmt.Println("\nWould restore:")
		for _, rec := range quiesce.Sorted(saved) {
			fmt.Printf("  - %s %s -> %s\n", rec.Kind, rec.Name, priorSummary(rec))
		}
	}
}

func printRenamePlan(ctx context.Context, volumes []types.VolumeRecord, patcher *patch.Patcher, snapClass string, opts options) {
	fmt.Println("\n=== DRY RUN ===")
	fmt.Println("\nWould migrate:")
	for _, vol := range volumes {
		newName := rename.NewName(vol.Name, opts.targetClass)
		if newName == vol.Name {
			fmt.Printf("  - %s already carries the suffix, skip\n", vol.Name)
			continue
		}
		if snapClass != "" {
			fmt.Printf("  - snapshot %s, create %s (%s) in %s from the snapshot\n", vol.Name, newName, vol.Size.String(), opts.targetClass)
		} else {
			fmt.Printf("  - create %s (%s) in %s, copy via pod %s\n", newName, vol.Size.String(), opts.targetClass, copier.PodName(copier.PhaseClone, vol.Name))
		}
		if !opts.copyOnly {
			res, err := patcher.Rewrite(ctx, opts.namespace, vol.Name, newName, opts.originClass, opts.targetClass, opts.exportPods)
			if err != nil {
				log.Warnf("could not enumerate workloads for %s: %v", vol.Name, err)
				continue
			}
			for _, name := range res.Patched {
				fmt.Printf("    patch %s\n", name)
			}
			for _, name := range res.Exported {
				fmt.Printf("    export pod %s to %s\n", name, opts.manifestDir)
			}
		}
		if opts.deletePVC {
			fmt.Printf("    delete original %s\n", vol.Name)
		}
	}
}

func priorSummary(rec types.ScaleRecord) string {
	switch {
	case rec.Prior.Replicas != nil:
		return fmt.Sprintf("%d replica(s)", *rec.Prior.Replicas)
	case rec.Prior.Suspend != nil:
		return fmt.Sprintf("suspend=%t", *rec.Prior.Suspend)
	default:
		return rec.Prior.Marker
	}
}

func accessModes(modes []corev1.PersistentVolumeAccessMode) string {
	if len(modes) == 0 {
		return string(corev1.ReadWriteOnce)
	}
	parts := make([]string, len(modes))
	for i, mode := range modes {
		parts[i] = string(mode)
	}
	return strings.Join(parts, ",")
}

func claimNames(volumes []types.VolumeRecord) map[string]bool {
	set := make(map[string]bool, len(volumes))
	for _, vol := range volumes {
		set[vol.Name] = true
	}
	return set
}

func buildClients(kubeconfig string) (kubernetes.Interface, dynamic.Interface, error) {
	var config *rest.Config
	var err error

	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		// Try in-cluster first
		config, err = rest.InClusterConfig()
		if err != nil {
			// Fall back to default kubeconfig
			loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
			configOverrides := &clientcmd.ConfigOverrides{}
			config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides).ClientConfig()
		}
	}
	if err != nil {
		return nil, nil, err
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, err
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, nil, err
	}
	return client, dyn, nil
}

// buildStore picks where migration state lives: an R2 bucket when credentials
// are given, local files otherwise. State is namespaced so migrations in
// different namespaces never clash.
func buildStore(r2Credentials, stateDir, namespace string) (statestore.Store, error) {
	if r2Credentials != "" {
		creds, err := statestore.LoadCredentials(r2Credentials)
		if err != nil {
			return nil, err
		}
		return statestore.NewObjectStore(creds, path.Join("state", namespace))
	}
	return statestore.NewFileStore(filepath.Join(stateDir, namespace)), nil
}
