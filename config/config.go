// Package config loads the YAML description of a machine to boot.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/kernel"
)

const (
	DefaultCPUs             = 2
	DefaultQuantum          = 5
	DefaultTimerHz          = 100
	DefaultRegistryCapacity = 64
	DefaultArenaParagraphs  = 0xa000
	DefaultDrive            = "C"
)

var ErrInvalid = errors.New("invalid configuration")

// Call is one register-level DOS call of a scripted task.
type Call struct {
	AH uint8  `yaml:"ah"`
	AL uint8  `yaml:"al"`
	BX uint16 `yaml:"bx"`
	CX uint16 `yaml:"cx"`
	DX uint16 `yaml:"dx"`
	DS uint16 `yaml:"ds"`
	ES uint16 `yaml:"es"`

	// Native, when set, issues the kernel call it names instead of an
	// INT 21h function. BX carries the call's argument.
	Native *uint32 `yaml:"native"`

	// Data is placed in the task's memory and DS:DX pointed at it. Path
	// is the same but NUL terminated.
	Data string `yaml:"data"`
	Path string `yaml:"path"`
}

// IsNative reports whether the call goes to the kernel call table.
func (c Call) IsNative() bool {
	return c.Native != nil
}

func (c Call) Registers() abi.Registers {
	r := abi.Call(c.AH)
	r.SetAL(c.AL)

	if c.Native != nil {
		r.EAX = *c.Native
	}

	r.SetBX(c.BX)
	r.SetCX(c.CX)
	r.SetDX(c.DX)
	r.DS = uint32(c.DS)
	r.ES = uint32(c.ES)
	return r
}

// Payload is the bytes to place at DS:DX, if any.
func (c Call) Payload() []byte {
	switch {
	case c.Path != "":
		return append([]byte(c.Path), 0)
	case c.Data != "":
		return []byte(c.Data)
	}

	return nil
}

type Task struct {
	Name string `yaml:"name"`

	// CPU pins the task; unset picks the least loaded processor.
	CPU *int `yaml:"cpu"`

	// Image is a .COM file on one of the machine's drives.
	Image string `yaml:"image"`
	Tail  string `yaml:"tail"`

	Calls []Call `yaml:"calls"`
}

func (t Task) Processor() int {
	if t.CPU == nil {
		return -1
	}

	return *t.CPU
}

type Config struct {
	CPUs             int    `yaml:"cpus"`
	QuantumTicks     uint64 `yaml:"quantum_ticks"`
	TimerHz          int    `yaml:"timer_hz"`
	RegistryCapacity int    `yaml:"registry_capacity"`
	ArenaParagraphs  uint16 `yaml:"arena_paragraphs"`
	DefaultDrive     string `yaml:"default_drive"`

	// Root is the host directory mounted as drive C:, Image the tar
	// archive mounted as drive A:.
	Root  string `yaml:"root"`
	Image string `yaml:"image"`

	Tasks []Task `yaml:"tasks"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}

	if c.QuantumTicks == 0 {
		c.QuantumTicks = DefaultQuantum
	}

	if c.TimerHz == 0 {
		c.TimerHz = DefaultTimerHz
	}

	if c.RegistryCapacity == 0 {
		c.RegistryCapacity = DefaultRegistryCapacity
	}

	if c.ArenaParagraphs == 0 {
		c.ArenaParagraphs = DefaultArenaParagraphs
	}

	if c.DefaultDrive == "" {
		c.DefaultDrive = DefaultDrive
	}
}

func (c *Config) Validate() error {
	if c.CPUs < 1 {
		return errors.Wrapf(ErrInvalid, "cpus must be at least 1, got %d", c.CPUs)
	}

	if c.TimerHz < 1 {
		return errors.Wrapf(ErrInvalid, "timer_hz must be positive, got %d", c.TimerHz)
	}

	if len(c.DefaultDrive) != 1 {
		return errors.Wrapf(ErrInvalid, "default_drive must be a single letter, got %q", c.DefaultDrive)
	}

	for i, t := range c.Tasks {
		if t.CPU != nil && (*t.CPU < 0 || *t.CPU >= c.CPUs) {
			return errors.Wrapf(ErrInvalid, "task %d (%s): no cpu %d", i, t.Name, *t.CPU)
		}

		for j, call := range t.Calls {
			if call.Data != "" && call.Path != "" {
				return errors.Wrapf(ErrInvalid, "task %d (%s) call %d: both data and path set", i, t.Name, j)
			}
		}
	}

	return nil
}

// KernelOptions maps the configuration onto the kernel's options.
func (c *Config) KernelOptions() kernel.Options {
	return kernel.Options{
		CPUs:             c.CPUs,
		Quantum:          c.QuantumTicks,
		RegistryCapacity: c.RegistryCapacity,
		ConventionalTop:  c.ArenaParagraphs,
		DefaultDrive:     c.DefaultDrive[0],
	}
}

func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := yaml.UnmarshalStrict(data, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing configuration")
	}

	cfg.applyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	return Parse(data)
}
