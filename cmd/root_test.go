package cmd

import (
	"bytes"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("RootCmd", func() {
	var out *bytes.Buffer

	BeforeEach(func() {
		out = &bytes.Buffer{}
		RootCmd.SetOut(out)
		RootCmd.SetErr(out)
	})

	AfterEach(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
		RootCmd.SetArgs(nil)
	})

	It("prints the version", func() {
		RootCmd.SetArgs([]string{"version"})

		Expect(RootCmd.Execute()).To(Succeed())
		Expect(out.String()).To(HavePrefix("relay dev"))
	})

	It("generates a man page per command", func() {
		dir, err := os.MkdirTemp("", "relay-man")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(dir)

		RootCmd.SetArgs([]string{"gen", "man", "--dir", dir})
		Expect(RootCmd.Execute()).To(Succeed())

		Expect(filepath.Join(dir, "relay.1")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "relay-start.1")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "relay-send.1")).To(BeAnExistingFile())
	})

	It("requires a destination to send to", func() {
		RootCmd.SetArgs([]string{"send", "--message", "hi"})

		Expect(RootCmd.Execute()).To(MatchError(ContainSubstring(`"to"`)))
	})
})
