package sensors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"hwtelemetry/internal/telemetry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// chipClass тип устройства и категория для имени драйвера hwmon
type chipClass struct {
	kind     DeviceKind
	category Capabilities
	// onBoard чипы SuperIO/EC, которые подвешиваются под узел материнской платы
	onBoard bool
}

var chipPrefixes = []struct {
	prefix string
	class  chipClass
}{
	{"coretemp", chipClass{kind: KindCpu, category: CapCPU}},
	{"k10temp", chipClass{kind: KindCpu, category: CapCPU}},
	{"k8temp", chipClass{kind: KindCpu, category: CapCPU}},
	{"zenpower", chipClass{kind: KindCpu, category: CapCPU}},
	{"cpu_thermal", chipClass{kind: KindCpu, category: CapCPU}},
	{"via_cputemp", chipClass{kind: KindCpu, category: CapCPU}},
	{"amdgpu", chipClass{kind: KindGpuAmd, category: CapGPU}},
	{"radeon", chipClass{kind: KindGpuAmd, category: CapGPU}},
	{"nouveau", chipClass{kind: KindGpuNvidia, category: CapGPU}},
	{"i915", chipClass{kind: KindGpuIntel, category: CapGPU}},
	{"xe", chipClass{kind: KindGpuIntel, category: CapGPU}},
	{"nvme", chipClass{kind: KindStorage, category: CapStorage}},
	{"drivetemp", chipClass{kind: KindStorage, category: CapStorage}},
	{"jc42", chipClass{kind: KindMemory, category: CapMemory}},
	{"spd5118", chipClass{kind: KindMemory, category: CapMemory}},
	{"iwlwifi", chipClass{kind: KindNetwork, category: CapNetwork}},
	{"r8169", chipClass{kind: KindNetwork, category: CapNetwork}},
	{"igc", chipClass{kind: KindNetwork, category: CapNetwork}},
	{"ixgbe", chipClass{kind: KindNetwork, category: CapNetwork}},
	{"bnxt", chipClass{kind: KindNetwork, category: CapNetwork}},
	{"mlx5", chipClass{kind: KindNetwork, category: CapNetwork}},
	{"mt7", chipClass{kind: KindNetwork, category: CapNetwork}},
	{"ath1", chipClass{kind: KindNetwork, category: CapNetwork}},
	{"corsaircpro", chipClass{kind: KindOther, category: CapController}},
	{"kraken", chipClass{kind: KindOther, category: CapController}},
	{"nzxtsmart", chipClass{kind: KindOther, category: CapController}},
	{"d5next", chipClass{kind: KindOther, category: CapController}},
	{"octo", chipClass{kind: KindOther, category: CapController}},
	{"quadro", chipClass{kind: KindOther, category: CapController}},
	{"highflownext", chipClass{kind: KindOther, category: CapController}},
	{"corsairpsu", chipClass{kind: KindOther, category: CapPSU}},
	{"BAT", chipClass{kind: KindOther, category: CapBattery}},
	{"ADP", chipClass{kind: KindOther, category: CapBattery}},
	{"AC", chipClass{kind: KindOther, category: CapBattery}},
	{"ucsi_source_psy", chipClass{kind: KindOther, category: CapBattery}},
	{"nct", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"it8", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"w83", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"f71", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"asus", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"gigabyte_wmi", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"dell_smm", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"thinkpad", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"applesmc", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"acpitz", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
	{"pch_", chipClass{kind: KindMotherboard, category: CapMotherboard, onBoard: true}},
}

// classifyChip определяет тип устройства по имени драйвера hwmon.
// Неизвестные чипы считаются прочими устройствами на плате.
func classifyChip(name string) chipClass {
	for _, p := range chipPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.class
		}
	}
	return chipClass{kind: KindOther, category: CapMotherboard, onBoard: true}
}

var channelPattern = regexp.MustCompile(`^(temp|fan|pwm)(\d+)(_input)?$`)

// enumerateHwmon строит узлы по /sys/class/hwmon. Чипы SuperIO/EC
// собираются под одним узлом материнской платы.
func enumerateHwmon(ctx context.Context, opts Options, logger *zap.Logger) ([]*Device, error) {
	base := filepath.Join(opts.SysfsRoot, "class/hwmon")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", base, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return hwmonIndex(entries[i].Name()) < hwmonIndex(entries[j].Name())
	})

	var (
		roots []*Device
		board *Device
		names = make(map[string]int)
	)

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "hwmon") {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		chip := readSysfsString(filepath.Join(dir, "name"))
		if chip == "" {
			continue
		}

		class := classifyChip(chip)
		if !opts.Capabilities.Has(class.category) {
			logger.Debug("Skipping hwmon chip of disabled category",
				zap.String("chip", chip),
				zap.String("hwmon", entry.Name()))
			continue
		}

		device := &Device{
			Name: uniqueName(names, deviceName(ctx, opts, dir, chip, class.kind)),
			Kind: class.kind,
		}
		device.Readings = hwmonReadings(dir, class.kind)
		if device.Readings == nil {
			continue
		}
		device.update = updateFromSysfs

		if class.onBoard {
			if board == nil {
				board = &Device{
					Name: boardName(opts.SysfsRoot),
					Kind: KindMotherboard,
				}
				roots = append(roots, board)
			}
			board.Children = append(board.Children, device)
			continue
		}
		roots = append(roots, device)
	}

	return roots, nil
}

// hwmonReadings собирает показания одного чипа в порядке temp, fan, pwm
func hwmonReadings(dir string, kind DeviceKind) []*Reading {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	type channel struct {
		prefix string
		index  int
	}
	var channels []channel
	for _, f := range files {
		m := channelPattern.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		// temp и fan читаются из *_input, pwm из файла без суффикса
		if (m[1] == "pwm") != (m[3] == "") {
			continue
		}
		idx, _ := strconv.Atoi(m[2])
		channels = append(channels, channel{prefix: m[1], index: idx})
	}

	order := map[string]int{"temp": 0, "fan": 1, "pwm": 2}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].prefix != channels[j].prefix {
			return order[channels[i].prefix] < order[channels[j].prefix]
		}
		return channels[i].index < channels[j].index
	})

	var readings []*Reading
	for _, c := range channels {
		stem := fmt.Sprintf("%s%d", c.prefix, c.index)
		label := readSysfsString(filepath.Join(dir, stem+"_label"))

		switch c.prefix {
		case "temp":
			if label == "" {
				label = fmt.Sprintf("Temp %d", c.index)
			}
			readings = append(readings, &Reading{
				Kind:  telemetry.Temperature,
				Label: label,
				Unit:  telemetry.UnitCelsius,
				path:  filepath.Join(dir, stem+"_input"),
				scale: 0.001,
			})
		case "fan":
			if label == "" {
				label = fmt.Sprintf("Fan %d", c.index)
				if kind.IsGPU() {
					label = "GPU " + label
				}
			}
			readings = append(readings, &Reading{
				Kind:  telemetry.FanSpeed,
				Label: label,
				Unit:  telemetry.UnitRPM,
				path:  filepath.Join(dir, stem+"_input"),
				scale: 1,
			})
		case "pwm":
			readings = append(readings, &Reading{
				Kind:  telemetry.Control,
				Label: fmt.Sprintf("PWM %d", c.index),
				Unit:  telemetry.UnitPercent,
				path:  filepath.Join(dir, stem),
				scale: 100.0 / 255.0,
			})
		}
	}

	// amdgpu отдает загрузку GPU рядом с устройством
	if kind == KindGpuAmd {
		busy := filepath.Join(dir, "device", "gpu_busy_percent")
		if _, err := os.Stat(busy); err == nil {
			readings = append(readings, &Reading{
				Kind:  telemetry.GpuLoad,
				Label: "GPU Core",
				Unit:  telemetry.UnitPercent,
				path:  busy,
				scale: 1,
			})
		}
	}

	return readings
}

// updateFromSysfs перечитывает файлы показаний устройства. Отказ в
// доступе возвращается как ошибка, прочие сбои чтения дают nil значение.
func updateFromSysfs(_ context.Context, d *Device) error {
	var errs error
	for _, r := range d.Readings {
		if r.path == "" {
			continue
		}
		value, err := readSysfsFloat(r.path)
		if err != nil {
			r.Value = nil
			if errors.Is(err, fs.ErrPermission) {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Label, telemetry.ErrPermissionDenied))
			}
			continue
		}
		r.Value = telemetry.Float(value * r.scale)
	}
	return errs
}

// deviceName имя узла: модель CPU для процессорных чипов, иначе имя
// драйвера и PCI слот, если он известен
func deviceName(ctx context.Context, opts Options, dir, chip string, kind DeviceKind) string {
	if kind == KindCpu {
		if infos, err := opts.CPUInfo(ctx); err == nil && len(infos) > 0 && infos[0].ModelName != "" {
			return strings.TrimSpace(infos[0].ModelName)
		}
	}
	if slot := pciSlot(filepath.Join(dir, "device")); slot != "" {
		return fmt.Sprintf("%s (%s)", chip, slot)
	}
	return chip
}

func boardName(sysfsRoot string) string {
	if name := readSysfsString(filepath.Join(sysfsRoot, "class/dmi/id/board_name")); name != "" {
		return name
	}
	return "Motherboard"
}

// uniqueName добавляет порядковый номер к повторяющимся именам
func uniqueName(seen map[string]int, name string) string {
	seen[name]++
	if n := seen[name]; n > 1 {
		return fmt.Sprintf("%s #%d", name, n)
	}
	return name
}

// pciSlot читает PCI_SLOT_NAME из uevent устройства
func pciSlot(devicePath string) string {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok && k == "PCI_SLOT_NAME" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func hwmonIndex(name string) int {
	idx, err := strconv.Atoi(strings.TrimPrefix(name, "hwmon"))
	if err != nil {
		return -1
	}
	return idx
}

// readSysfsString читает однострочный файл sysfs, "" при любой ошибке
func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsFloat(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
}
