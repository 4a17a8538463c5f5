package action

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"kiln/internal/cas"
	"kiln/internal/dataid"
	"kiln/internal/filetree"
	"kiln/internal/workspace"
)

// LocalExecutor runs an ExecutionRequest as a local subprocess,
// materialising inputs from the CAS into a scratch directory and
// harvesting declared outputs back into it afterwards.
type LocalExecutor struct {
	Store   cas.Database
	BaseDir string
	// ChunkSize controls large-file splitting on harvest. It is passed
	// to filetree.PutLargeFile unchanged, which rejects a value <= 0;
	// NewLocalExecutor sets it to 4 MiB.
	ChunkSize int64
}

// NewLocalExecutor returns a LocalExecutor whose scratch directories
// are created under baseDir.
func NewLocalExecutor(store cas.Database, baseDir string) *LocalExecutor {
	return &LocalExecutor{Store: store, BaseDir: baseDir, ChunkSize: 4 << 20}
}

func (e *LocalExecutor) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error) {
	if err := os.MkdirAll(e.BaseDir, 0o755); err != nil {
		return ExecutionResponse{}, &TransportError{Err: fmt.Errorf("create base dir: %w", err)}
	}
	dir, err := os.MkdirTemp(e.BaseDir, "action-*")
	if err != nil {
		return ExecutionResponse{}, &TransportError{Err: fmt.Errorf("allocate scratch dir: %w", err)}
	}
	defer func() { _ = workspace.Teardown(dir) }()

	for _, in := range req.Inputs {
		if err := e.materialize(dir, in); err != nil {
			return ExecutionResponse{}, &TransportError{Err: fmt.Errorf("materialize input %s: %w", in.Path, err)}
		}
	}

	for _, pre := range req.Spec.PreActions {
		if err := e.runPreAction(ctx, dir, pre); err != nil {
			return ExecutionResponse{}, &TransportError{Err: fmt.Errorf("pre-action: %w", err)}
		}
	}

	stdout, stderr, exitCode, err := e.run(ctx, dir, req.Spec)
	if err != nil {
		return ExecutionResponse{}, &TransportError{Err: err}
	}

	resp := ExecutionResponse{ExitCode: exitCode}

	if exitCode == 0 {
		outputs, herr := e.harvest(dir, req.Outputs, true)
		if herr != nil {
			return ExecutionResponse{}, herr
		}
		resp.Outputs = outputs
	} else {
		resp.Outputs = make([]dataid.DataID, len(req.Outputs))
	}

	unconditional, herr := e.harvest(dir, req.UnconditionalOutputs, false)
	if herr != nil {
		return ExecutionResponse{}, herr
	}
	resp.UnconditionalOutputs = unconditional

	stdoutID, err := e.storeStdout(ctx, req.BaseLogsID, stdout, stderr)
	if err != nil {
		return ExecutionResponse{}, &TransportError{Err: err}
	}
	resp.StdoutID = stdoutID
	return resp, nil
}

func (e *LocalExecutor) materialize(dir string, in ResolvedInput) error {
	target := filepath.Join(dir, filepath.FromSlash(in.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	switch in.Type {
	case filetree.TypeDirectory:
		tree, err := filetree.Load(e.Store, in.ID)
		if err != nil {
			return err
		}
		return e.materializeTree(target, tree)
	case filetree.TypeSymlink:
		obj, ok, err := e.Store.Get(context.Background(), in.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("symlink target object %s not found", in.ID)
		}
		return os.Symlink(string(obj.Data), target)
	default:
		data, err := filetree.GetLargeFile(e.Store, in.ID)
		if err != nil {
			return err
		}
		perm := os.FileMode(0o644)
		if in.Type == filetree.TypeExecutable {
			perm = 0o755
		}
		return os.WriteFile(target, data, perm)
	}
}

func (e *LocalExecutor) materializeTree(dir string, tree filetree.Tree) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, entry := range tree.Entries {
		childPath := filepath.Join(dir, entry.Name)
		ref := tree.Refs[i]
		switch entry.Type {
		case filetree.TypeDirectory:
			child, err := filetree.Load(e.Store, ref)
			if err != nil {
				return err
			}
			if err := e.materializeTree(childPath, child); err != nil {
				return err
			}
		case filetree.TypeSymlink:
			obj, ok, err := e.Store.Get(context.Background(), ref)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("symlink target object %s not found", ref)
			}
			if err := os.Symlink(string(obj.Data), childPath); err != nil {
				return err
			}
		default:
			data, err := filetree.GetLargeFile(e.Store, ref)
			if err != nil {
				return err
			}
			perm := os.FileMode(0o644)
			if entry.Type == filetree.TypeExecutable {
				perm = 0o755
			}
			if err := os.WriteFile(childPath, data, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *LocalExecutor) runPreAction(ctx context.Context, dir string, pre PreAction) error {
	if len(pre.Arguments) == 0 {
		return fmt.Errorf("pre-action has no arguments")
	}
	cmd := exec.CommandContext(ctx, pre.Arguments[0], pre.Arguments[1:]...)
	cmd.Dir = dir
	cmd.Env = buildIsolatedEnv(pre.Environment)
	if pre.Background {
		return cmd.Start()
	}
	return cmd.Run()
}

func (e *LocalExecutor) run(ctx context.Context, dir string, spec Spec) (stdout, stderr []byte, exitCode int, err error) {
	if len(spec.Arguments) == 0 {
		return nil, nil, 0, fmt.Errorf("action spec has no arguments")
	}
	cmd := exec.CommandContext(ctx, spec.Arguments[0], spec.Arguments[1:]...)
	cmd.Dir = dir
	if spec.WorkingDirectory != "" {
		cmd.Dir = filepath.Join(dir, spec.WorkingDirectory)
	}
	cmd.Env = buildIsolatedEnv(spec.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, nil, 0, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, nil, 0, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case waitErr := <-done:
		code := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				return nil, nil, 0, fmt.Errorf("run command: %w", waitErr)
			}
		}
		return outBuf.Bytes(), errBuf.Bytes(), code, nil
	}
}

func buildIsolatedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (e *LocalExecutor) harvest(dir string, outputs []DeclaredOutput, required bool) ([]dataid.DataID, error) {
	ids := make([]dataid.DataID, len(outputs))
	for i, out := range outputs {
		full := filepath.Join(dir, filepath.FromSlash(out.Path))
		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				if out.Type == filetree.TypeDirectory {
					empty, cerr := filetree.Create(e.Store, nil)
					if cerr != nil {
						return nil, cerr
					}
					ids[i] = empty.ID
					continue
				}
				if required {
					return nil, &MissingOutputError{Path: out.Path}
				}
				continue
			}
			return nil, fmt.Errorf("stat output %s: %w", out.Path, err)
		}
		if info.IsDir() {
			id, err := e.harvestDir(full)
			if err != nil {
				return nil, err
			}
			ids[i] = id
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read output %s: %w", out.Path, err)
		}
		id, err := filetree.PutLargeFile(e.Store, data, e.ChunkSize, out.Type)
		if err != nil {
			return nil, fmt.Errorf("store output %s: %w", out.Path, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func (e *LocalExecutor) harvestDir(dir string) (dataid.DataID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return dataid.DataID{}, err
	}
	var files []filetree.FileRef
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)
		info, err := entry.Info()
		if err != nil {
			return dataid.DataID{}, err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(full)
			if err != nil {
				return dataid.DataID{}, err
			}
			id, err := e.Store.Put(context.Background(), nil, []byte(target))
			if err != nil {
				return dataid.DataID{}, err
			}
			files = append(files, filetree.FileRef{
				Entry: filetree.DirectoryEntry{Name: name, Type: filetree.TypeSymlink},
				ID:    id,
			})
			continue
		}
		if entry.IsDir() {
			id, err := e.harvestDir(full)
			if err != nil {
				return dataid.DataID{}, err
			}
			files = append(files, filetree.FileRef{
				Entry: filetree.DirectoryEntry{Name: name, Type: filetree.TypeDirectory},
				ID:    id,
			})
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return dataid.DataID{}, err
		}
		entryType := filetree.TypeFile
		if info.Mode()&0o111 != 0 {
			entryType = filetree.TypeExecutable
		}
		id, err := filetree.PutLargeFile(e.Store, data, e.ChunkSize, entryType)
		if err != nil {
			return dataid.DataID{}, err
		}
		files = append(files, filetree.FileRef{
			Entry: filetree.DirectoryEntry{Name: name, Type: entryType, Size: info.Size(), PosixPermissions: uint32(info.Mode().Perm())},
			ID:    id,
		})
	}
	tree, err := filetree.Create(e.Store, files)
	if err != nil {
		return dataid.DataID{}, err
	}
	return tree.ID, nil
}

func (e *LocalExecutor) storeStdout(ctx context.Context, baseLogsID dataid.DataID, stdout, stderr []byte) (dataid.DataID, error) {
	var combined []byte
	if !baseLogsID.IsZero() {
		obj, ok, err := e.Store.Get(ctx, baseLogsID)
		if err != nil {
			return dataid.DataID{}, fmt.Errorf("load chained logs %s: %w", baseLogsID, err)
		}
		if !ok {
			return dataid.DataID{}, fmt.Errorf("chained logs %s not found", baseLogsID)
		}
		combined = append(combined, obj.Data...)
	}
	combined = append(combined, stdout...)
	combined = append(combined, stderr...)
	return e.Store.Put(ctx, nil, combined)
}
