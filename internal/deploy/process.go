package deploy

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/process"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

// ProcessConfig configures the local process provider
type ProcessConfig struct {
	// Host is the interface instances are told to listen on
	Host        string        `yaml:"host" json:"host"`
	WorkDir     string        `yaml:"work_dir" json:"work_dir"`
	LogLines    int           `yaml:"log_lines" json:"log_lines"`
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// DefaultProcessConfig returns process provider defaults
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		Host:        "127.0.0.1",
		LogLines:    1000,
		StopTimeout: 5 * time.Second,
	}
}

// ProcessProvider runs each instance as a local child process. The command
// receives its port in PORT; ${VAR} references in the arguments are expanded
// from the instance environment.
type ProcessProvider struct {
	config ProcessConfig
	logger *logger.Logger

	mu      sync.Mutex
	procs   map[string]*managedProcess
	byGroup map[string][]string
}

var _ domain.DeploymentProvider = (*ProcessProvider)(nil)

type managedProcess struct {
	handle  domain.InstanceHandle
	group   string
	env     []string
	cmd     *exec.Cmd
	logs    *logRing
	stat    *process.Process
	started time.Time
	done    chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (mp *managedProcess) exited() (bool, error) {
	select {
	case <-mp.done:
		mp.mu.Lock()
		defer mp.mu.Unlock()
		return true, mp.exitErr
	default:
		return false, nil
	}
}

// NewProcessProvider creates a process provider
func NewProcessProvider(config ProcessConfig, log *logger.Logger) *ProcessProvider {
	defaults := DefaultProcessConfig()
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.LogLines <= 0 {
		config.LogLines = defaults.LogLines
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}
	return &ProcessProvider{
		config:  config,
		logger:  log.DeployLogger("process"),
		procs:   make(map[string]*managedProcess),
		byGroup: make(map[string][]string),
	}
}

// Name returns the provider name
func (p *ProcessProvider) Name() string { return "process" }

func freePort(host string) (int, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}

func instanceEnv(spec domain.InstanceSpec, host string, port int) map[string]string {
	env := map[string]string{
		"HOST":               host,
		"PORT":               strconv.Itoa(port),
		"CAPABILITY_GROUP":   spec.Group,
		"CAPABILITY_TYPE":    spec.Config.Type.String(),
		"CAPABILITY_VERSION": spec.Config.Version,
	}
	for k, v := range spec.Config.Env {
		env[k] = v
	}
	return env
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Deploy starts one process for spec
func (p *ProcessProvider) Deploy(_ context.Context, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	if len(spec.Config.Command) == 0 {
		return domain.InstanceHandle{}, apperrors.NewInvalidConfigError("process_provider", "group %s has no command", spec.Group)
	}
	port, err := freePort(p.config.Host)
	if err != nil {
		return domain.InstanceHandle{}, apperrors.WrapError(err, apperrors.ErrCodeExecutionFailed, "process_provider", "failed to allocate port")
	}

	env := instanceEnv(spec, p.config.Host, port)
	args := make([]string, len(spec.Config.Command))
	for i, arg := range spec.Config.Command {
		args[i] = os.Expand(arg, func(key string) string {
			if v, ok := env[key]; ok {
				return v
			}
			return os.Getenv(key)
		})
	}

	// not bound to ctx: the instance outlives the call that started it
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = p.config.WorkDir
	cmd.Env = append(os.Environ(), envList(env)...)
	ring := newLogRing(p.config.LogLines)
	cmd.Stdout = ring
	cmd.Stderr = ring

	if err := cmd.Start(); err != nil {
		return domain.InstanceHandle{}, apperrors.WrapError(err, apperrors.ErrCodeExecutionFailed, "process_provider", "failed to start process").
			WithMetadata("group", spec.Group)
	}

	protocol := spec.Config.Protocol
	if protocol == "" {
		protocol = domain.ProtocolHTTP
	}
	mp := &managedProcess{
		handle: domain.InstanceHandle{
			ID:      uuid.New().String(),
			Address: domain.Address{Protocol: protocol, Host: p.config.Host, Port: port, Path: spec.Config.Path},
		},
		group:   spec.Group,
		env:     envList(env),
		cmd:     cmd,
		logs:    ring,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	if stat, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil {
		mp.stat = stat
	}

	log := p.logger.WithField("group", spec.Group).WithField("handle", mp.handle.ID).WithField("pid", cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		mp.mu.Lock()
		mp.exitErr = err
		mp.mu.Unlock()
		close(mp.done)
		if err != nil {
			log.WithError(err).Warn("Instance process exited")
		} else {
			log.Info("Instance process exited")
		}
	}()

	p.mu.Lock()
	p.procs[mp.handle.ID] = mp
	p.byGroup[spec.Group] = append(p.byGroup[spec.Group], mp.handle.ID)
	p.mu.Unlock()

	log.WithField("port", port).Info("Started instance process")
	return mp.handle, nil
}

// Update starts a replacement process running spec
func (p *ProcessProvider) Update(ctx context.Context, _ domain.InstanceHandle, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	return p.Deploy(ctx, spec)
}

// Rollback starts a replacement process running the previous spec
func (p *ProcessProvider) Rollback(ctx context.Context, _ domain.InstanceHandle, spec domain.InstanceSpec) (domain.InstanceHandle, error) {
	return p.Deploy(ctx, spec)
}

// Scale starts processes until the group runs at least replicas
func (p *ProcessProvider) Scale(ctx context.Context, spec domain.InstanceSpec, replicas int) ([]domain.InstanceHandle, error) {
	for p.count(spec.Group) < replicas {
		if _, err := p.Deploy(ctx, spec); err != nil {
			return p.handles(spec.Group), err
		}
	}
	return p.handles(spec.Group), nil
}

func (p *ProcessProvider) count(group string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byGroup[group])
}

func (p *ProcessProvider) handles(group string) []domain.InstanceHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.InstanceHandle, 0, len(p.byGroup[group]))
	for _, id := range p.byGroup[group] {
		out = append(out, p.procs[id].handle)
	}
	return out
}

func (p *ProcessProvider) lookup(id string) (*managedProcess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mp, ok := p.procs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("process_provider", "handle", id)
	}
	return mp, nil
}

// Delete stops the process, escalating to kill after StopTimeout
func (p *ProcessProvider) Delete(ctx context.Context, handle domain.InstanceHandle) error {
	p.mu.Lock()
	mp, ok := p.procs[handle.ID]
	if ok {
		delete(p.procs, handle.ID)
		ids := p.byGroup[mp.group]
		for i, id := range ids {
			if id == handle.ID {
				p.byGroup[mp.group] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(p.byGroup[mp.group]) == 0 {
			delete(p.byGroup, mp.group)
		}
	}
	p.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("process_provider", "handle", handle.ID)
	}
	return p.stop(ctx, mp)
}

func (p *ProcessProvider) stop(ctx context.Context, mp *managedProcess) error {
	if done, _ := mp.exited(); done {
		return nil
	}
	log := p.logger.WithField("handle", mp.handle.ID).WithField("pid", mp.cmd.Process.Pid)

	if err := mp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.WithError(err).Debug("Terminate signal failed, killing")
		_ = mp.cmd.Process.Kill()
	}
	timer := time.NewTimer(p.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-mp.done:
		log.Info("Stopped instance process")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn("Instance process did not stop in time, killing")
	if err := mp.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", mp.cmd.Process.Pid, err)
	}
	<-mp.done
	return nil
}

// Logs returns up to lines recent lines of combined stdout and stderr
func (p *ProcessProvider) Logs(_ context.Context, handle domain.InstanceHandle, lines int) ([]string, error) {
	mp, err := p.lookup(handle.ID)
	if err != nil {
		return nil, err
	}
	return mp.logs.Tail(lines), nil
}

// Exec runs command with the instance environment and returns its combined output
func (p *ProcessProvider) Exec(ctx context.Context, handle domain.InstanceHandle, command []string) (string, error) {
	mp, err := p.lookup(handle.ID)
	if err != nil {
		return "", err
	}
	if len(command) == 0 {
		return "", apperrors.NewInvalidConfigError("process_provider", "command is required")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = p.config.WorkDir
	cmd.Env = append(os.Environ(), mp.env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), apperrors.WrapError(err, apperrors.ErrCodeExecutionFailed, "process_provider", "command failed").
			WithMetadata("instance_id", handle.ID)
	}
	return string(out), nil
}

// Metrics samples CPU and resident memory of the process. CPU is measured
// since the previous sample.
func (p *ProcessProvider) Metrics(ctx context.Context, handle domain.InstanceHandle) (domain.ResourceUsage, error) {
	mp, err := p.lookup(handle.ID)
	if err != nil {
		return domain.ResourceUsage{}, err
	}
	if done, exitErr := mp.exited(); done {
		return domain.ResourceUsage{}, apperrors.WrapError(fmt.Errorf("process exited: %v", exitErr),
			apperrors.ErrCodeExecutionFailed, "process_provider", "instance is not running")
	}
	if mp.stat == nil {
		return domain.ResourceUsage{}, apperrors.NewError(apperrors.ErrCodeInternalError, "process_provider", "process statistics unavailable")
	}

	cpu, err := mp.stat.PercentWithContext(ctx, 0)
	if err != nil {
		return domain.ResourceUsage{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	memInfo, err := mp.stat.MemoryInfoWithContext(ctx)
	if err != nil {
		return domain.ResourceUsage{}, fmt.Errorf("failed to sample memory: %w", err)
	}
	memPct, err := mp.stat.MemoryPercentWithContext(ctx)
	if err != nil {
		memPct = 0
	}
	return domain.ResourceUsage{
		CPUPercent:    cpu,
		MemoryMB:      float64(memInfo.RSS) / 1024 / 1024,
		MemoryPercent: float64(memPct),
		SampledAt:     time.Now(),
	}, nil
}

// Close stops every process
func (p *ProcessProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	procs := make([]*managedProcess, 0, len(p.procs))
	for _, mp := range p.procs {
		procs = append(procs, mp)
	}
	p.procs = make(map[string]*managedProcess)
	p.byGroup = make(map[string][]string)
	p.mu.Unlock()

	var firstErr error
	for _, mp := range procs {
		if err := p.stop(ctx, mp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetStats returns process counts per group
func (p *ProcessProvider) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	groups := make(map[string]interface{}, len(p.byGroup))
	running := 0
	for group, ids := range p.byGroup {
		alive := 0
		for _, id := range ids {
			if done, _ := p.procs[id].exited(); !done {
				alive++
			}
		}
		running += alive
		groups[group] = map[string]interface{}{"processes": len(ids), "running": alive}
	}
	return map[string]interface{}{
		"provider": p.Name(),
		"running":  running,
		"groups":   groups,
	}
}
