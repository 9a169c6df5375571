/*
Copyright © 2025 marysaka

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/marysaka/ahv"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// RunResult is the JSON document emitted after the guest's first exit.
type RunResult struct {
	Regs      map[string]uint64 `json:"regs"`
	Exit      string            `json:"exit"`
	RawReason uint32            `json:"raw_reason"`
	Syndrome  uint64            `json:"syndrome,omitempty"`
	Class     string            `json:"class,omitempty"`
}

var (
	runEntry uint64
	runSP    uint64
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Uint64VarP(&runEntry, "entry", "e", 0x20000, "Guest physical entry address")
	runCmd.Flags().Uint64VarP(&runSP, "stack", "s", 0, "Initial stack pointer (0 = end of code region)")
}

var runCmd = &cobra.Command{
	Use:   "run [code-file]",
	Short: "Run a flat ARM64 binary in a fresh guest until its first exit",
	Long: `Run loads a flat ARM64 binary (a file argument, or stdin when omitted)
at the entry address, points PC at it, and runs a single vCPU until the
guest exits. The resulting register state and exit record are printed
as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := ahv.Supported()
		if err != nil || !ok {
			return fmt.Errorf("hypervisor not supported: %v", err)
		}

		var code []byte
		if len(args) == 1 {
			code, err = os.ReadFile(args[0])
		} else {
			code, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("reading code: %w", err)
		}
		if len(code) == 0 {
			return fmt.Errorf("no code to run")
		}

		page := uint64(unix.Getpagesize())
		if runEntry%page != 0 {
			return fmt.Errorf("entry 0x%x must be a multiple of page size (%d bytes)", runEntry, page)
		}

		vm, err := ahv.NewVM(&ahv.VMConfig{Tier: ahv.HostTier()})
		if err != nil {
			return fmt.Errorf("creating VM: %w", err)
		}
		defer vm.Close()

		handle, err := vm.AllocateFrom(code)
		if err != nil {
			return fmt.Errorf("allocating guest memory: %w", err)
		}
		if err := vm.Map(handle, runEntry, ahv.MemRead|ahv.MemWrite|ahv.MemExec); err != nil {
			return fmt.Errorf("mapping guest code: %w", err)
		}

		vcpu, err := vm.NewVCPU(nil)
		if err != nil {
			return fmt.Errorf("creating vCPU: %w", err)
		}

		if err := vcpu.SetReg(ahv.RegPC, runEntry); err != nil {
			return err
		}
		// EL1h with interrupts masked.
		if err := vcpu.SetReg(ahv.RegCPSR, 0x3C5); err != nil {
			return err
		}
		sp := runSP
		if sp == 0 {
			buf, err := vm.AllocationBytes(handle)
			if err != nil {
				return err
			}
			sp = runEntry + uint64(len(buf))
		}
		if err := vcpu.SetReg(ahv.RegSP, sp); err != nil {
			return err
		}

		info, err := vcpu.Run()
		if err != nil {
			return fmt.Errorf("running guest: %w", err)
		}

		result := RunResult{
			Regs:      make(map[string]uint64),
			Exit:      info.Reason.String(),
			RawReason: info.RawReason,
		}
		if info.Reason == ahv.ExitException {
			result.Syndrome = info.Exception.Syndrome
			result.Class = info.Exception.Class().String()
		}
		for r := ahv.RegX0; r <= ahv.RegX28; r++ {
			v, err := vcpu.GetReg(r)
			if err != nil {
				return err
			}
			result.Regs[r.String()] = v
		}
		for _, r := range []ahv.Reg{ahv.RegFP, ahv.RegLR, ahv.RegPC, ahv.RegSP, ahv.RegCPSR} {
			v, err := vcpu.GetReg(r)
			if err != nil {
				return err
			}
			result.Regs[r.String()] = v
		}

		if err := vcpu.Close(); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}
