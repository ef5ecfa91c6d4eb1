package data

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	cifarSide     = 32
	cifarChannels = 3
	cifarClasses  = 10
	cifarRecord   = 1 + cifarChannels*cifarSide*cifarSide
)

// Per-channel normalisation constants of the CIFAR-10 training set.
var (
	cifarMean = [cifarChannels]float32{0.4914, 0.4822, 0.4465}
	cifarStd  = [cifarChannels]float32{0.2470, 0.2435, 0.2616}
)

// CIFAR10TrainFiles and CIFAR10TestFile name the binary distribution files.
var (
	CIFAR10TrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	CIFAR10TestFile   = "test_batch.bin"
)

// LoadCIFAR10 reads the training and test splits from dir.
func LoadCIFAR10(dir string) (train, test *Dataset, err error) {
	train = newCIFAR()
	for _, name := range CIFAR10TrainFiles {
		if err := readCIFARFile(filepath.Join(dir, name), train); err != nil {
			return nil, nil, err
		}
	}
	test = newCIFAR()
	if err := readCIFARFile(filepath.Join(dir, CIFAR10TestFile), test); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

func newCIFAR() *Dataset {
	return &Dataset{Channels: cifarChannels, Height: cifarSide, Width: cifarSide, Classes: cifarClasses}
}

func readCIFARFile(path string, d *Dataset) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cifar10: %w", err)
	}
	defer f.Close()
	if err := ReadCIFAR(f, d); err != nil {
		return fmt.Errorf("cifar10: %s: %w", path, err)
	}
	return nil
}

// ReadCIFAR appends every record from r to d. Each record is one label
// byte followed by 1024 red, 1024 green and 1024 blue bytes.
func ReadCIFAR(r io.Reader, d *Dataset) error {
	record := make([]byte, cifarRecord)
	area := cifarSide * cifarSide
	for {
		_, err := io.ReadFull(r, record)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("truncated record after %d samples", d.Len())
		}
		if err != nil {
			return err
		}
		label := int(record[0])
		if label >= cifarClasses {
			return fmt.Errorf("label %d out of range in record %d", label, d.Len())
		}
		d.Labels = append(d.Labels, label)
		for c := 0; c < cifarChannels; c++ {
			for i := 0; i < area; i++ {
				v := float32(record[1+c*area+i]) / 255
				d.Pixels = append(d.Pixels, (v-cifarMean[c])/cifarStd[c])
			}
		}
	}
}
