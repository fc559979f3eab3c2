package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agentfold/warden/internal/approval"
	"github.com/agentfold/warden/internal/config"
	"github.com/agentfold/warden/internal/events"
	"github.com/agentfold/warden/internal/harness"
	"github.com/agentfold/warden/internal/peer"
	"github.com/agentfold/warden/internal/recording"
	"github.com/agentfold/warden/internal/relay"
	"github.com/agentfold/warden/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Spawn a supervised agent run",
	Long: `Spawn an agent CLI under supervision. Tool calls are gated behind
approval prompts unless --auto-approve is set. The run is registered in the
session catalog and exposed on a local socket for attach.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("agent", "", "Agent name from the config catalog (default: configured default)")
	runCmd.Flags().Bool("auto-approve", false, "Approve all tool calls without prompting")
	runCmd.Flags().BoolP("print", "p", false, "Non-interactive: send the prompt, print the result, exit")
	runCmd.Flags().String("resume", "", "Resume a previous agent session by its id")
	runCmd.Flags().String("dir", "", "Working directory for the agent (default: current)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	agentName, _ := cmd.Flags().GetString("agent")
	autoApprove, _ := cmd.Flags().GetBool("auto-approve")
	printMode, _ := cmd.Flags().GetBool("print")
	resume, _ := cmd.Flags().GetString("resume")
	workDir, _ := cmd.Flags().GetString("dir")
	prompt := strings.TrimSpace(strings.Join(args, " "))

	if prompt == "" && printMode {
		return fmt.Errorf("print mode needs a prompt")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	name, agent, err := cfg.FindAgent(agentName)
	if err != nil {
		return err
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	ctx := cmd.Context()
	tty := isatty.IsTerminal(os.Stdout.Fd())

	id, err := session.Create(session.Meta{
		Agent:   name,
		Command: agent.Command,
		Args:    agent.Args,
		WorkDir: workDir,
		PID:     os.Getpid(),
	})
	if err != nil {
		return fmt.Errorf("registering session: %w", err)
	}

	// The relay exists before the spawn so approval signals raised during
	// startup still reach attached clients.
	var (
		srvMu sync.Mutex
		srv   *relay.Server
	)
	broadcastReq := func(req approval.Request) {
		srvMu.Lock()
		s := srv
		srvMu.Unlock()
		if s != nil {
			s.BroadcastApproval(req)
		}
	}
	broadcastResult := func(req approval.Request, d approval.Decision) {
		srvMu.Lock()
		s := srv
		srvMu.Unlock()
		if s != nil {
			s.BroadcastApprovalResult(req, d)
		}
	}

	pending := newApprovalQueue()
	hooks := &events.Hooks{
		SessionID: func(ev events.SessionIdentified) {
			if meta, err := session.LoadMeta(id); err == nil {
				meta.AgentSessionID = ev.SessionID
				_ = session.SaveMeta(id, meta)
			}
		},
		Approval: approval.Signals{
			Request: func(req approval.Request) {
				pending.add(req)
				if tty {
					fmt.Printf("\n%s[approval]%s %s wants to run %s%s%s\n",
						styleBoldYellow, colorReset, name, colorBold, req.Tool, colorReset)
					if len(req.Input) > 0 {
						fmt.Printf("%s%s%s\n", colorDim, truncate(string(req.Input), 400), colorReset)
					}
					fmt.Printf("Approve? [y/N] ")
				}
				broadcastReq(req)
			},
			Response: func(req approval.Request, d approval.Decision) {
				pending.remove(req.ID)
				broadcastResult(req, d)
			},
		},
	}

	h, err := harness.Spawn(ctx, harness.Config{
		Command:         agent.Command,
		Args:            agent.Args,
		WorkDir:         workDir,
		Prompt:          prompt,
		Resume:          resume,
		Interactive:     agent.Interactive && !printMode,
		UsePTY:          agent.UsePTY,
		Variant:         peer.Variant(agent.Protocol),
		AutoApprove:     autoApprove,
		StartupTimeout:  cfg.StartupTimeout(),
		ApprovalTimeout: cfg.ApprovalTimeout(),
		StoreBudget:     cfg.StoreBudgetBytes,
		Hooks:           hooks,
	})
	if err != nil {
		_ = session.MarkEnded(id, session.StatusError, err.Error())
		return err
	}

	if meta, lerr := session.LoadMeta(id); lerr == nil {
		meta.Status = session.StatusRunning
		meta.PID = h.PID()
		_ = session.SaveMeta(id, meta)
	}

	rec, err := recording.Open(session.RecordingPath(id))
	if err == nil {
		defer rec.Close()
		defer rec.Attach(h.Store())()
	}

	relaySrv := relay.NewServer(relay.WireMeta{
		SessionID: id,
		Agent:     name,
		Command:   agent.Command,
		WorkDir:   workDir,
		PID:       h.PID(),
	}, h.Store(), h.Broker(), h)
	if err := relaySrv.Start(session.SocketPath(id)); err != nil {
		fmt.Fprintf(os.Stderr, "%swarning:%s attach socket unavailable: %v\n", styleBoldYellow, colorReset, err)
	} else {
		srvMu.Lock()
		srv = relaySrv
		srvMu.Unlock()
		defer relaySrv.Close()
	}

	fmt.Printf("%s[session %d]%s %s supervising pid %d\n", styleBoldGreen, id, colorReset, name, h.PID())

	// Render the run as it happens.
	renderCtx, cancelRender := context.WithCancel(ctx)
	defer cancelRender()
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		r := newRenderer(os.Stdout)
		for m := range h.Store().Stream(renderCtx) {
			r.Handle(m)
		}
	}()

	if h.State() != harness.StateExited && agent.Interactive && !printMode && tty {
		go readOperatorInput(ctx, h, pending)
	}

	code, err := h.Wait(ctx)
	if err != nil {
		h.Kill()
		_ = session.MarkEnded(id, session.StatusCancelled, "interrupted by operator")
		return err
	}
	<-renderDone

	status := session.StatusDone
	errMsg := ""
	if code != 0 {
		status = session.StatusError
		errMsg = fmt.Sprintf("agent exited with code %d", code)
	}
	_ = session.MarkEnded(id, status, errMsg)

	if code != 0 {
		return fmt.Errorf("agent exited with code %d", code)
	}
	return nil
}

// readOperatorInput consumes terminal lines: pending approvals eat y/n
// answers, everything else is sent to the agent as a user turn.
func readOperatorInput(ctx context.Context, h *harness.Handle, pending *approvalQueue) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if req, ok := pending.oldest(); ok {
			switch strings.ToLower(line) {
			case "y", "yes":
				h.Broker().Resolve(req.ID, approval.StatusApproved, "")
			default:
				h.Broker().Resolve(req.ID, approval.StatusDenied, "Denied by operator")
			}
			continue
		}

		if line == "" {
			continue
		}
		if line == "/interrupt" {
			if err := h.Interrupt(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "%sinterrupt failed:%s %v\n", styleBoldRed, colorReset, err)
			}
			continue
		}
		if line == "/quit" {
			h.Kill()
			return
		}
		if err := h.SendInput(ctx, line, nil); err != nil {
			fmt.Fprintf(os.Stderr, "%ssend failed:%s %v\n", styleBoldRed, colorReset, err)
		}
	}
}

// approvalQueue tracks requests awaiting a terminal answer, oldest first.
type approvalQueue struct {
	mu   sync.Mutex
	reqs []approval.Request
}

func newApprovalQueue() *approvalQueue {
	return &approvalQueue{}
}

func (q *approvalQueue) add(req approval.Request) {
	q.mu.Lock()
	q.reqs = append(q.reqs, req)
	q.mu.Unlock()
}

func (q *approvalQueue) remove(id string) {
	q.mu.Lock()
	out := q.reqs[:0]
	for _, r := range q.reqs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	q.reqs = out
	q.mu.Unlock()
}

func (q *approvalQueue) oldest() (approval.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reqs) == 0 {
		return approval.Request{}, false
	}
	return q.reqs[0], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
