package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"
	"github.com/usnistgov/camstim"
	"github.com/usnistgov/camstim/internal/camera"
	"github.com/usnistgov/camstim/internal/daq"
	"github.com/usnistgov/camstim/internal/rigdb"
	"github.com/usnistgov/camstim/internal/unboundedchan"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist returns dir/filename after creating the directory and an empty
// file, as needed. A leading "$HOME" in dir is expanded first.
func makeFileExist(dir, filename string) (string, error) {
	dir, err := expandHome(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	fullname := filepath.Join(dir, filename)
	f, err := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
	if err != nil {
		return "", err
	}
	return fullname, f.Close()
}

// expandHome replaces a leading "$HOME" in dir with the user's home directory.
func expandHome(dir string) (string, error) {
	rest, found := strings.CutPrefix(dir, "$HOME")
	if !found {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home + rest, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("DBAddr", "localhost:9000")
	camstim.SetSettingsDefaults(viper.GetViper())

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotCamstim := filepath.Join(HOME, ".camstim")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotCamstim, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/camstim"))
	viper.AddConfigPath(dotCamstim)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	camstim.Build.Date = buildDate
	camstim.Build.Githash = githash
	camstim.Build.Gitdate = gitdate
	camstim.Build.Summary = fmt.Sprintf("camstim version %s (git commit %s of %s)", camstim.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		camstim.Build.Host = host
	} else {
		camstim.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	simulate := flag.Bool("sim", false, "use the simulated DAQ device and cameras")
	inspect := flag.Bool("inspect", false, "dump the simulated DAQ state after the run")
	datadir := flag.String("datadir", "", "write experiment files under this directory (overrides the config file)")
	nodb := flag.Bool("nodb", false, "do not record the run in the database")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is camstim version %s\n", camstim.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}
	if !*simulate {
		fmt.Println("No hardware drivers are compiled in; using the simulated DAQ device and cameras.")
	}

	banner := fmt.Sprintf("\nThis is camstim version %s (git commit %s)\n", camstim.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".camstim", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	camstim.ProblemLogger = startLogger(problemname)
	camstim.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	camstim.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	settings := camstim.LoadSettings(viper.GetViper())
	if *datadir != "" {
		settings.DataDir = *datadir
	}
	if settings.DataDir, err = expandHome(settings.DataDir); err != nil {
		panic(err)
	}

	if err := run(settings, *nodb, *inspect); err != nil {
		camstim.ProblemLogger.Println(err)
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(settings camstim.Settings, nodb, inspect bool) error {
	device := daq.NewNoHardware(deviceName(settings.AOChannel))
	device.SetLoopback(settings.AIChannel, settings.AOChannel, -1, 0.01, uint64(camstim.StartTime.UnixNano()))
	session := camera.NewNoHardware(1)
	if err := session.Startup(); err != nil {
		return fmt.Errorf("could not start camera session: %w", err)
	}
	defer session.Shutdown()
	cameras, err := session.Cameras()
	if err != nil {
		return err
	}
	for i, id := range cameras {
		fmt.Printf("Camera %d is : %s\n", i, id)
	}

	pr := newPrompter(os.Stdin, os.Stdout)
	settings = pr.chooseSettings(settings)
	protocol, err := settings.Protocol()
	if err != nil {
		return err
	}
	name := pr.experimentName()

	updates := unboundedchan.NewUnboundedChannel[camstim.ClientUpdate]()
	updaterDone := make(chan struct{})
	go func() {
		defer close(updaterDone)
		if err := camstim.RunClientUpdater(camstim.Ports.Status, updates.Out()); err != nil {
			camstim.ProblemLogger.Printf("client updater: %v", err)
			for range updates.Out() {
			}
		}
	}()
	defer func() {
		updates.Close()
		<-updaterDone
	}()

	abortDB := make(chan struct{})
	db := rigdb.DummyDBConnection()
	if !nodb {
		activity := &rigdb.ActivityMessage{
			ID:        rigdb.NewID(camstim.StartTime),
			Hostname:  camstim.Build.Host,
			Githash:   githash,
			Version:   camstim.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     camstim.StartTime,
		}
		db = rigdb.StartDBConnection(viper.GetString("DBAddr"), activity, abortDB)
		if !db.IsConnected() {
			fmt.Printf("Not recording to the run database: %v\n", db.Err())
		}
	}
	defer func() {
		close(abortDB)
		db.Wait()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exp := camstim.NewExperiment(protocol, camstim.ExperimentConfig{
		Name:           name,
		CameraIndex:    settings.DefaultCam,
		CameraSettings: settings.CameraSettings,
		DataDir:        settings.DataDir,
		AOChannel:      settings.AOChannel,
		AIChannel:      settings.AIChannel,
		MaxFrames:      settings.MaxFrames,
		Progress:       os.Stdout,
	}, device, session)
	exp.SetClientUpdates(updates.In())
	exp.SetDB(db)

	err = exp.Run(ctx)
	if inspect {
		fmt.Println(device.Inspect())
		fmt.Println(spew.Sdump(exp.WritingState()))
	}
	if errors.Is(err, camstim.ErrInterrupted) {
		fmt.Println("Interrupted; laser tasks stopped.")
		return nil
	}
	if err != nil {
		return err
	}
	if err := camstim.SaveSettings(viper.GetViper(), settings.WithProtocol(protocol)); err != nil {
		return err
	}
	fmt.Println("Finished successfully.")
	return nil
}

// deviceName is the device part of a physical channel name like "Dev2/ao2".
func deviceName(physical string) string {
	name, _, _ := strings.Cut(physical, "/")
	return name
}
