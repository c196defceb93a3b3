package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/usnistgov/camstim"
)

// prompter asks the operator for the run's protocol and name.
type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewScanner(in), out: out}
}

// readLine returns the next input line, trimmed, and false at end of input.
func (pr *prompter) readLine() (string, bool) {
	if !pr.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(pr.in.Text()), true
}

// ask repeats question until parse accepts the answer. At end of input it
// gives up and returns false.
func (pr *prompter) ask(question, complaint string, parse func(string) error) bool {
	fmt.Fprint(pr.out, question)
	for {
		line, ok := pr.readLine()
		if !ok {
			return false
		}
		if err := parse(line); err == nil {
			return true
		}
		fmt.Fprintln(pr.out, complaint)
	}
}

func (pr *prompter) askInt(question string, value *int) {
	pr.ask(question, "Invalid input. Has to be integer.", func(s string) error {
		v, err := strconv.Atoi(s)
		if err == nil {
			*value = v
		}
		return err
	})
}

func (pr *prompter) askUint(question string, value *uint) {
	pr.ask(question, "Invalid input. Has to be positive integer.", func(s string) error {
		v, err := strconv.ParseUint(s, 10, 0)
		if err == nil {
			*value = uint(v)
		}
		return err
	})
}

func (pr *prompter) askFloat(question string, value *float64) {
	pr.ask(question, "Invalid input. Has to be numeric.", func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err == nil {
			*value = v
		}
		return err
	})
}

func (pr *prompter) showDefaults(s camstim.Settings) {
	const rule = "############################################################"
	fmt.Fprintln(pr.out, rule)
	fmt.Fprintln(pr.out, "Paradigm defaults:")
	fmt.Fprintf(pr.out, "Assuming that camera %d is the main camera\n", s.DefaultCam)
	fmt.Fprintf(pr.out, "Pre/post stimulus = %d seconds.\n", s.PrePostS)
	fmt.Fprintf(pr.out, "Stimulus ON = %d seconds.\n", s.StimS)
	fmt.Fprintf(pr.out, "Laser stimulus current = %g mA.\n", s.LCurrent)
	fmt.Fprintf(pr.out, "Number of stimulus trials = %d.\n", s.NStim)
	fmt.Fprintln(pr.out, rule)
}

// chooseSettings shows the defaults and lets the operator accept or edit them.
func (pr *prompter) chooseSettings(s camstim.Settings) camstim.Settings {
	pr.showDefaults(s)
	var answer string
	ok := pr.ask("accept defaults or edit? [a/e]", "accept defaults or edit? [a/e]", func(line string) error {
		answer = strings.ToLower(line)
		if answer != "a" && answer != "e" {
			return fmt.Errorf("answer %q is neither a nor e", line)
		}
		return nil
	})
	if !ok || answer == "a" {
		return s
	}
	pr.askInt("Please enter the camera index to use:", &s.DefaultCam)
	pr.askUint("Please enter the number of seconds pre/post stimulus:", &s.PrePostS)
	pr.askUint("Please enter the number of stimulus seconds:", &s.StimS)
	pr.askFloat("Please enter the laser current in mA:", &s.LCurrent)
	pr.askUint("Please enter the number of stimulus trials:", &s.NStim)
	return s
}

// experimentName asks for the name used for the run's files until it gets one
// that is a single path component. An empty answer, or end of input, gets the
// name "experiment".
func (pr *prompter) experimentName() string {
	fmt.Fprintln(pr.out, "Please enter the experiment name and press return:")
	for {
		name, _ := pr.readLine()
		if name == "" {
			return "experiment"
		}
		err := camstim.ValidExperimentName(name)
		if err == nil {
			return name
		}
		fmt.Fprintf(pr.out, "Invalid name: %v. Try again:\n", err)
	}
}
