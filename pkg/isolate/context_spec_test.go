//go:build linux

package isolate_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/imagekit/imagekit/pkg/isolate"
)

var _ = Describe("IsolationContext builder", func() {
	When("constructed with defaults", func() {
		ctx := isolate.NewContext("/var/lib/layers/base")

		It("is read-only and pid2-piped by default", func() {
			Expect(ctx.Layer).To(Equal("/var/lib/layers/base"))
			Expect(ctx.Ephemeral).To(Equal(isolate.EphemeralNone))
			Expect(ctx.InvocationType).To(Equal(isolate.InvocationPid2Pipe))
		})
	})

	When("chained through every With* method", func() {
		ctx := isolate.NewContext("/layer").
			WithEphemeral(isolate.EphemeralBtrfsSnapshot).
			WithInvocationType(isolate.InvocationBootInteractive).
			WithPlatform("/usr", "/platform/usr").
			WithInput("/src", "/host/src").
			WithOutput("/out").
			WithTmpfs("/tmp").
			WithDevtmpfs("/dev").
			WithEnv("FOO", "bar").
			WithHostname("test-host").
			WithUser("nobody").
			WithWorkingDirectory("/work").
			WithRootless(true).
			WithNetwork(true)

		It("accumulates every mount plan entry", func() {
			Expect(ctx.Platform).To(Equal([]isolate.MountEntry{{Dst: "/usr", Src: "/platform/usr"}}))
			Expect(ctx.Inputs).To(Equal([]isolate.MountEntry{{Dst: "/src", Src: "/host/src"}}))
			Expect(ctx.Outputs).To(Equal([]string{"/out"}))
			Expect(ctx.Tmpfs).To(Equal([]string{"/tmp"}))
			Expect(ctx.Devtmpfs).To(Equal([]string{"/dev"}))
		})

		It("records scalar fields", func() {
			Expect(ctx.Setenv).To(HaveKeyWithValue("FOO", "bar"))
			Expect(ctx.Hostname).To(Equal("test-host"))
			Expect(ctx.User).To(Equal("nobody"))
			Expect(ctx.WorkingDirectory).To(Equal("/work"))
			Expect(ctx.Rootless).To(BeTrue())
			Expect(ctx.Network).To(BeTrue())
		})
	})
})

var _ = Describe("Ephemeral.String", func() {
	It("names every mode", func() {
		Expect(isolate.EphemeralNone.String()).To(Equal("none"))
		Expect(isolate.EphemeralOverlay.String()).To(Equal("overlay"))
		Expect(isolate.EphemeralBtrfsSnapshot.String()).To(Equal("btrfs-snapshot"))
	})
})

var _ = Describe("ChildFailedError", func() {
	It("reports a signal death distinctly from a plain exit code", func() {
		bySignal := &isolate.ChildFailedError{ExitCode: -1, Signal: "SIGKILL"}
		Expect(bySignal.Error()).To(ContainSubstring("SIGKILL"))

		byExit := &isolate.ChildFailedError{ExitCode: 7}
		Expect(byExit.Error()).To(ContainSubstring("7"))
	})
})
